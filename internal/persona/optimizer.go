package persona

import (
	"regexp"
	"strings"
)

// Optimizer rewrites a prompt before it is sent to a model.
type Optimizer interface {
	Name() string
	Optimize(prompt string) string
}

// Pipeline applies optimizers in order.
type Pipeline []Optimizer

func (p Pipeline) Optimize(prompt string) string {
	for _, o := range p {
		prompt = o.Optimize(prompt)
	}
	return prompt
}

// Names lists the optimizers in order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p))
	for i, o := range p {
		names[i] = o.Name()
	}
	return names
}

const (
	codingDefaultHint   = "[If language is not specified, use Python as the default]"
	codingExampleHint   = "[Include example usage of the function]"
	debuggingHint       = "[Consider common error cases and provide robust error handling]"
	debuggingOpsHint    = "[Include logging or monitoring recommendations]"
	personaAlignmentTag = "[Use a consistent voice and tone throughout the response]"
)

var (
	fillerPhrases = []string{
		"I was wondering if", "could you", "would you", "please",
		"maybe", "perhaps", "just", "actually", "basically",
	}
	passivePhrases = []string{"is being", "are being", "was being", "were being"}
	multiSpace     = regexp.MustCompile(`[ \t]{2,}`)
)

// FillerRemover strips filler words and asks for a consistent voice when
// the prompt talks about personas or characters.
type FillerRemover struct{}

func (FillerRemover) Name() string { return "filler" }

func (FillerRemover) Optimize(prompt string) string {
	out := " " + prompt + " "
	for _, w := range fillerPhrases {
		out = replaceWord(out, w, " ")
	}
	for _, p := range passivePhrases {
		out = strings.ReplaceAll(out, p, "")
	}
	out = strings.TrimSpace(multiSpace.ReplaceAllString(out, " "))

	lower := strings.ToLower(out)
	if (strings.Contains(lower, "persona") || strings.Contains(lower, "character")) && !strings.Contains(lower, "voice:") {
		out += "\n" + personaAlignmentTag
	}
	return out
}

// replaceWord replaces " word " with repl, case-insensitively, until none
// are left.
func replaceWord(s, word, repl string) string {
	needle := " " + strings.ToLower(word) + " "
	for {
		i := strings.Index(strings.ToLower(s), needle)
		if i < 0 {
			return s
		}
		s = s[:i] + repl + s[i+len(needle):]
	}
}

var (
	symbolMap = [][2]string{
		{"generate", "→"}, {"analyze", "⊛"}, {"compare", "⇔"}, {"transform", "⇝"},
		{"optimize", "⟳"}, {"integrate", "⊕"}, {"extract", "⊢"}, {"synthesize", "⊗"},
	}
	domainAbbreviations = [][2]string{
		{"artificial intelligence", "AI"},
		{"machine learning", "ML"},
		{"natural language processing", "NLP"},
		{"user interface", "UI"},
		{"user experience", "UX"},
		{"application programming interface", "API"},
		{"knowledge graph", "KG"},
		{"neural network", "NN"},
	}
)

// SymbolicCompressor shortens verbose prompts with symbols and common
// abbreviations. Long results are framed in [SymCore] tags.
type SymbolicCompressor struct{}

func (SymbolicCompressor) Name() string { return "symbolic" }

func (SymbolicCompressor) Optimize(prompt string) string {
	out := prompt
	for _, m := range symbolMap {
		out = strings.ReplaceAll(out, " "+m[0]+" ", " "+m[1]+" ")
	}
	for _, m := range domainAbbreviations {
		out = strings.ReplaceAll(out, m[0], m[1])
	}
	if len(out) > 100 && !strings.HasPrefix(out, "[") {
		out = "[SymCore] " + out + " [/SymCore]"
	}
	return out
}

var (
	codingKeywords    = []string{"code", "function", "class", "method", "algorithm", "programming", "develop", "implement"}
	languageKeywords  = []string{"python", "javascript", "java", "c++", "typescript", "go", "golang", "rust"}
	debuggingKeywords = []string{"debug", "error", "fix", "issue", "problem", "bug", "exception", "crash"}
	opsKeywords       = []string{"production", "deploy"}
)

// CodingHints adds a default language and usage hints to coding prompts.
type CodingHints struct{}

func (CodingHints) Name() string { return "coding" }

func (CodingHints) Optimize(prompt string) string {
	lower := strings.ToLower(prompt)
	if !containsAny(lower, codingKeywords) {
		return prompt
	}
	out := prompt
	if !containsAnyWord(lower, languageKeywords) {
		out += "\n" + codingDefaultHint
	}
	if strings.Contains(lower, "function") && !strings.Contains(lower, "example usage") {
		out += "\n" + codingExampleHint
	}
	return out
}

// DebuggingHints asks for error handling on debugging prompts.
type DebuggingHints struct{}

func (DebuggingHints) Name() string { return "debugging" }

func (DebuggingHints) Optimize(prompt string) string {
	lower := strings.ToLower(prompt)
	if !containsAny(lower, debuggingKeywords) {
		return prompt
	}
	out := prompt + "\n" + debuggingHint
	if containsAny(lower, opsKeywords) {
		out += "\n" + debuggingOpsHint
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

var wordSplit = regexp.MustCompile(`[^a-z0-9+#]+`)

// containsAnyWord matches whole words so "go" does not hit "good".
func containsAnyWord(s string, words []string) bool {
	fields := wordSplit.Split(s, -1)
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				return true
			}
		}
	}
	return false
}
