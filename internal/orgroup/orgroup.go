// Package orgroup computes paper totals when some questions are alternatives
// of each other ("answer 3 OR 4").
//
// Only one member of an OR group counts. A main question and its lettered
// sub-questions form one member, so "2a, 2b OR 3" lets the student answer
// either both parts of 2 or all of 3. The group contributes the largest
// member total to the possible marks.
//
// The attempted member is the one whose first non-empty answer was persisted
// earliest. Answers persisted together (the same submission) are ordered by
// question number. Every other member is skipped and earns nothing, even if
// it also has an answer.
package orgroup

import (
	"slices"
	"strings"

	"github.com/pavelanni/papergrader/internal/model"
)

// answered is the collapsed view of all attempts at one question.
type answered struct {
	firstSeq int64
	result   *model.EvaluationResult
	resSeq   int64
}

// member is one main question and its sub-questions inside a group.
type member struct {
	main      int
	questions []model.ExpectedQuestion
	possible  int
	firstSeq  int64
	firstQ    int // question number of the earliest answered question
	has       bool
}

// Aggregate resolves OR groups and totals a student's marks for a paper.
// It is a pure function of its inputs and returns the same result for the
// same questions and attempts in any order.
func Aggregate(questions []model.ExpectedQuestion, attempts []model.Attempt) model.Aggregate {
	qs := slices.Clone(questions)
	slices.SortStableFunc(qs, func(a, b model.ExpectedQuestion) int { return a.Number - b.Number })

	answers := collapse(attempts)

	var agg model.Aggregate
	skipped := make(map[int]bool)

	groups, order := groupMembers(qs)
	for _, id := range order {
		members := groups[id]
		state := model.OrGroupState{GroupID: id}
		for _, m := range members {
			for _, q := range m.questions {
				state.MemberQuestionIDs = append(state.MemberQuestionIDs, q.Number)
				if a, ok := answers[q.Number]; ok && (!m.has || a.firstSeq < m.firstSeq || (a.firstSeq == m.firstSeq && q.Number < m.firstQ)) {
					m.has, m.firstSeq, m.firstQ = true, a.firstSeq, q.Number
				}
			}
			state.PossibleMarks = max(state.PossibleMarks, m.possible)
		}

		var winner *member
		for _, m := range members {
			if !m.has {
				continue
			}
			if winner == nil || m.firstSeq < winner.firstSeq || (m.firstSeq == winner.firstSeq && m.firstQ < winner.firstQ) {
				winner = m
			}
		}
		if winner != nil {
			attempted := winner.firstQ
			state.AttemptedQuestionID = &attempted
			for _, m := range members {
				if m == winner {
					continue
				}
				for _, q := range m.questions {
					skipped[q.Number] = true
				}
			}
		}
		slices.Sort(state.MemberQuestionIDs)
		agg.Groups = append(agg.Groups, state)
		agg.PossibleMarks += state.PossibleMarks
	}

	for _, q := range qs {
		if q.OrGroupID == "" {
			agg.PossibleMarks += q.MaxMarks
		}
		out := model.QuestionOutcome{
			Number:    q.Number,
			Key:       q.Key(),
			OrGroupID: q.OrGroupID,
			MaxMarks:  q.MaxMarks,
		}
		a, ok := answers[q.Number]
		switch {
		case skipped[q.Number]:
			out.Status = model.QuestionSkipped
			out.Reason = model.SkippedReason
		case !ok:
			out.Status = model.QuestionUnanswered
		case a.result != nil:
			out.Status = model.QuestionScored
			out.Marks = min(max(a.result.MarksAwarded, 0), q.MaxMarks)
			agg.EarnedMarks += out.Marks
		default:
			out.Status = model.QuestionAttempted
		}
		agg.Questions = append(agg.Questions, out)
	}
	return agg
}

// collapse keeps, per question, the earliest non-empty attempt's sequence and
// the latest scored attempt's result (the higher mark on a tie).
func collapse(attempts []model.Attempt) map[int]*answered {
	out := make(map[int]*answered)
	for i := range attempts {
		at := &attempts[i]
		if strings.TrimSpace(at.Answer) == "" {
			continue
		}
		a, ok := out[at.QuestionNumber]
		if !ok {
			a = &answered{firstSeq: at.Seq, resSeq: -1}
			out[at.QuestionNumber] = a
		}
		a.firstSeq = min(a.firstSeq, at.Seq)
		if at.Result == nil {
			continue
		}
		if a.result == nil || at.Seq > a.resSeq || (at.Seq == a.resSeq && at.Result.MarksAwarded > a.result.MarksAwarded) {
			a.result, a.resSeq = at.Result, at.Seq
		}
	}
	return out
}

// groupMembers splits grouped questions into members by main number. Groups
// are returned in order of their first question.
func groupMembers(qs []model.ExpectedQuestion) (map[string][]*member, []string) {
	groups := make(map[string][]*member)
	var order []string
	for _, q := range qs {
		if q.OrGroupID == "" {
			continue
		}
		members, seen := groups[q.OrGroupID]
		if !seen {
			order = append(order, q.OrGroupID)
		}
		main := q.MainNumber
		if main == 0 {
			main = q.Number
		}
		var m *member
		for _, cand := range members {
			if cand.main == main {
				m = cand
				break
			}
		}
		if m == nil {
			m = &member{main: main}
			groups[q.OrGroupID] = append(members, m)
		}
		m.questions = append(m.questions, q)
		m.possible += q.MaxMarks
	}
	return groups, order
}
