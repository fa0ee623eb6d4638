package statustext

import (
	"regexp"
	"unicode"

	"golang.org/x/text/width"
)

// Kind classifies a token produced by the segmenter.
type Kind int

const (
	Word Kind = iota
	URL
	Hashtag
)

func (k Kind) String() string {
	switch k {
	case URL:
		return "url"
	case Hashtag:
		return "hashtag"
	default:
		return "word"
	}
}

// Token is one run of text with its kind.
type Token struct {
	Text string
	Kind Kind
}

const (
	defaultURLLength    = 23
	defaultMaxRunLength = 16
)

var tokenExpr = regexp.MustCompile(`https?://[\w/:%#@$&?()~.=+\-]+|#\S+`)

// Segmenter splits text into tokens and measures destination weight.
type Segmenter struct {
	// URLLength is the fixed weight of every link on the destination.
	URLLength int
	// MaxRunLength bounds the number of code points in a Word token.
	MaxRunLength int
}

// NewSegmenter returns a segmenter with the given link weight.
func NewSegmenter(urlLength int) Segmenter {
	if urlLength <= 0 {
		urlLength = defaultURLLength
	}
	return Segmenter{URLLength: urlLength, MaxRunLength: defaultMaxRunLength}
}

// Segment tokenizes text in input order and returns the total weighted length.
func (s Segmenter) Segment(text string) ([]Token, int) {
	var (
		tokens []Token
		total  int
		last   int
	)

	emitWords := func(chunk string) {
		for _, run := range s.splitRuns(chunk) {
			tok := Token{Text: run, Kind: Word}
			tokens = append(tokens, tok)
			total += s.Weight(tok)
		}
	}

	for _, loc := range tokenExpr.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			emitWords(text[last:loc[0]])
		}
		match := text[loc[0]:loc[1]]
		tok := Token{Text: match, Kind: URL}
		if match[0] == '#' {
			tok.Kind = Hashtag
		}
		tokens = append(tokens, tok)
		total += s.Weight(tok)
		last = loc[1]
	}
	if last < len(text) {
		emitWords(text[last:])
	}

	return tokens, total
}

// Weight returns the weighted length of one token.
func (s Segmenter) Weight(tok Token) int {
	if tok.Kind == URL {
		if s.URLLength <= 0 {
			return defaultURLLength
		}
		return s.URLLength
	}
	return TextWeight(tok.Text)
}

// Length measures arbitrary text by segmenting it.
func (s Segmenter) Length(text string) int {
	_, n := s.Segment(text)
	return n
}

// TextWeight sums rune weights without link detection.
func TextWeight(text string) int {
	n := 0
	for _, r := range text {
		n += RuneWeight(r)
	}
	return n
}

// RuneWeight is 2 for East Asian wide and fullwidth code points, 1 otherwise.
func RuneWeight(r rune) int {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return 2
	default:
		return 1
	}
}

// splitRuns breaks plain text into runs of one width class, each at most
// MaxRunLength code points. A full run is cut after its last whitespace when it has one.
func (s Segmenter) splitRuns(text string) []string {
	maxRun := s.MaxRunLength
	if maxRun <= 0 {
		maxRun = defaultMaxRunLength
	}

	var (
		runs    []string
		cur     []rune
		curWide bool
	)

	for _, r := range text {
		wide := RuneWeight(r) == 2
		if len(cur) > 0 && wide != curWide {
			runs = append(runs, string(cur))
			cur = cur[:0]
		}
		if len(cur) == maxRun {
			cut := lastSpace(cur) + 1
			if cut <= 0 || cut == len(cur) {
				cut = len(cur)
			}
			runs = append(runs, string(cur[:cut]))
			cur = append(cur[:0:0], cur[cut:]...)
		}
		cur = append(cur, r)
		curWide = wide
	}
	if len(cur) > 0 {
		runs = append(runs, string(cur))
	}

	return runs
}

func lastSpace(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if unicode.IsSpace(rs[i]) {
			return i
		}
	}
	return -1
}
