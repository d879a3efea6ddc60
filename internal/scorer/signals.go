package scorer

import (
	"sort"
	"strings"
	"unicode"

	"github.com/pavelanni/papergrader/internal/embed"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/textnorm"
)

var domainTerms = map[string][]string{
	model.SubjectScience: {
		"energy", "force", "mass", "velocity", "acceleration", "momentum", "atom",
		"molecule", "electron", "proton", "neutron", "cell", "photosynthesis",
		"respiration", "oxygen", "carbon", "hydrogen", "reaction", "temperature",
		"pressure", "gravity", "friction", "wave", "frequency", "current",
		"voltage", "resistance", "chlorophyll", "glucose", "enzyme", "organism",
		"evaporation", "condensation", "density", "compound", "element",
	},
	model.SubjectMath: {
		"equation", "variable", "function", "derivative", "integral", "theorem",
		"proof", "matrix", "vector", "probability", "angle", "triangle", "circle",
		"radius", "area", "volume", "slope", "graph", "limit", "sum", "product",
		"ratio", "fraction", "factor", "prime", "polynomial", "quadratic",
		"linear", "hypotenuse", "perimeter", "mean", "median",
	},
}

var (
	introPhrases = []string{
		"is defined as", "refers to", "is a", "is an", "is the", "means",
		"introduction", "to begin", "firstly", "first of all", "in this answer",
	}
	conclusionPhrases = []string{
		"in conclusion", "to conclude", "in summary", "to summarise", "to summarize",
		"therefore", "thus", "hence", "overall", "as a result",
	}
	transitionWords = []string{
		"however", "moreover", "furthermore", "additionally", "in addition",
		"also", "consequently", "secondly", "finally", "similarly", "whereas",
		"on the other hand", "then", "next", "because",
	}
	examplePhrases = []string{
		"for example", "for instance", "such as", "eg", "e g", "including", "example",
	}
	causalPhrases = []string{
		"because", "therefore", "due to", "as a result", "since", "which means",
		"leads to", "so that", "causes", "this is why", "consequently",
	}
)

// containsPhrase matches whole words in text already passed through
// textnorm.NormalizeAnswer.
func containsPhrase(normalized, phrase string) bool {
	return strings.Contains(" "+normalized+" ", " "+phrase+" ")
}

func countPhrases(normalized string, phrases []string) int {
	padded := " " + normalized + " "
	n := 0
	for _, p := range phrases {
		n += strings.Count(padded, " "+p+" ")
	}
	return n
}

func anyPhrase(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(normalized, p) {
			return true
		}
	}
	return false
}

func stemSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[embed.Stem(t)] = struct{}{}
	}
	return set
}

// keyTerms returns up to limit of the most frequent content terms longer
// than three characters, ties broken by first occurrence.
func keyTerms(text string, limit int) []string {
	counts := make(map[string]int)
	var order []string
	for _, t := range textnorm.ContentTokens(text, 3) {
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > limit {
		order = order[:limit]
	}
	return order
}

type keywordResult struct {
	score   float64
	missing []string
}

// keywordScore is min(80*coverage + 20*domainBonus, 100). The domain bonus
// counts the subject's listed terms that the model answer uses; subjects
// without a list use coverage for both parts.
func keywordScore(student, reference, subject string) keywordResult {
	terms := keyTerms(reference, 20)
	if len(terms) == 0 {
		return keywordResult{score: 50}
	}
	have := stemSet(textnorm.Tokens(student))

	var missing []string
	hit := 0
	for _, t := range terms {
		if _, ok := have[embed.Stem(t)]; ok {
			hit++
		} else {
			missing = append(missing, t)
		}
	}
	coverage := float64(hit) / float64(len(terms))

	bonus := coverage
	if list, ok := domainTerms[subject]; ok {
		refTokens := stemSet(textnorm.Tokens(reference))
		total, matched := 0, 0
		for _, d := range list {
			stem := embed.Stem(d)
			if _, ok := refTokens[stem]; !ok {
				continue
			}
			total++
			if _, ok := have[stem]; ok {
				matched++
			}
		}
		if total > 0 {
			bonus = min(float64(matched)/float64(total), 1)
		}
	}
	return keywordResult{score: min(80*coverage+20*bonus, 100), missing: missing}
}

type structureResult struct {
	score      float64
	hasIntro   bool
	hasConcl   bool
	transition bool
}

// structureScore starts at 60 and adds a length-ratio bonus plus bonuses for
// an introduction, a conclusion and transition words.
func structureScore(student, reference string) structureResult {
	res := structureResult{score: 60}
	ss := textnorm.Sentences(student)
	ms := textnorm.Sentences(reference)

	ratio := 1.0
	if len(ms) > 0 {
		ratio = float64(len(ss)) / float64(len(ms))
	}
	switch {
	case ratio >= 0.7 && ratio <= 1.5:
		res.score += 10
	case ratio >= 0.5 && ratio <= 2.0:
		res.score += 15
	default:
		res.score += 5
	}

	if len(ss) > 0 {
		if anyPhrase(textnorm.NormalizeAnswer(ss[0]), introPhrases) {
			res.hasIntro = true
			res.score += 10
		}
		if anyPhrase(textnorm.NormalizeAnswer(ss[len(ss)-1]), conclusionPhrases) {
			res.hasConcl = true
			res.score += 10
		}
	}
	if anyPhrase(textnorm.NormalizeAnswer(student), transitionWords) {
		res.transition = true
		res.score += 15
	}
	res.score = min(res.score, 100)
	return res
}

func conceptTokens(text string) map[string]struct{} {
	var out []string
	for _, t := range textnorm.Tokens(text) {
		if len(t) <= 4 || textnorm.IsStopWord(t) {
			continue
		}
		alpha := true
		for _, r := range t {
			if !unicode.IsLetter(r) {
				alpha = false
				break
			}
		}
		if alpha {
			out = append(out, t)
		}
	}
	return stemSet(out)
}

type comprehensivenessResult struct {
	score       float64
	coverage    float64
	examples    bool
	elaboration bool
}

// comprehensivenessScore is min(70*conceptCoverage + 15*examples +
// 15*elaboration, 100).
func comprehensivenessScore(student, reference string) comprehensivenessResult {
	var res comprehensivenessResult
	want := conceptTokens(reference)
	got := conceptTokens(student)
	if len(want) == 0 {
		res.coverage = 0.5
	} else {
		hit := 0
		for c := range want {
			if _, ok := got[c]; ok {
				hit++
			}
		}
		res.coverage = float64(hit) / float64(len(want))
	}

	norm := textnorm.NormalizeAnswer(student)
	res.examples = anyPhrase(norm, examplePhrases)

	long := 0
	for _, s := range textnorm.Sentences(student) {
		if textnorm.WordCount(s) > 15 {
			long++
		}
	}
	res.elaboration = countPhrases(norm, causalPhrases) >= 2 || long >= 2

	res.score = 70 * res.coverage
	if res.examples {
		res.score += 15
	}
	if res.elaboration {
		res.score += 15
	}
	res.score = min(res.score, 100)
	return res
}

// bands maps a final 0-100 score to marks out of 10.
var bands = []struct {
	min   float64
	marks int
}{
	{95, 10}, {90, 9}, {85, 8}, {75, 7}, {65, 6},
	{55, 5}, {45, 4}, {35, 3}, {25, 2}, {15, 1},
}

// BandMarks converts a final score to marks out of 10.
func BandMarks(final float64) int {
	for _, b := range bands {
		if final >= b.min {
			return b.marks
		}
	}
	return 0
}
