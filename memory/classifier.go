package memory

import (
	"regexp"
	"strings"

	"github.com/quorumkit/quorum/types"
)

// Classification is the tagged result of classifying one message.
type Classification struct {
	Type      ClassType
	Topic     string
	Sentiment Sentiment
}

// ClassType discriminates the classification variants.
type ClassType string

const (
	ClassProposal ClassType = "proposal"
	ClassDecision ClassType = "decision"
	ClassReaction ClassType = "reaction"
	ClassNone     ClassType = "none"
)

// Sentiment is the direction of a reaction.
type Sentiment string

const (
	SentimentAgree    Sentiment = "agree"
	SentimentDisagree Sentiment = "disagree"
)

// Classifier decides what a message contributes to conversation memory.
// Implementations must never fail: a partial match simply yields ClassNone.
type Classifier interface {
	Classify(msg types.Message) Classification
}

// Pattern classifier. Explicit message-kind tags take precedence over
// lexicon inference; free text is matched by regex and keyword lexicons.
type PatternClassifier struct {
	proposalRe *regexp.Regexp
	decisionRe *regexp.Regexp
	topicRe    *regexp.Regexp

	agreeWords    []string
	disagreeWords []string
}

// NewPatternClassifier creates the default heuristic classifier.
func NewPatternClassifier() *PatternClassifier {
	return &PatternClassifier{
		proposalRe: regexp.MustCompile(`(?i)\b(i propose|i suggest|we should|let'?s|my proposal|how about we)\b`),
		decisionRe: regexp.MustCompile(`(?i)\b(we decided|it'?s decided|final decision|we agree to|settled on|we will go with)\b`),
		topicRe:    regexp.MustCompile(`(?i)\b(?:about|on|regarding|for)\s+([a-z][a-z0-9 _-]{2,40})`),
		agreeWords: []string{
			"i agree", "agreed", "good point", "exactly", "makes sense",
			"you're right", "that works", "sounds good", "+1",
		},
		disagreeWords: []string{
			"i disagree", "disagree", "however", "on the contrary", "not convinced",
			"that won't work", "i don't think", "objection", "but actually",
		},
	}
}

// Classify implements Classifier.
func (c *PatternClassifier) Classify(msg types.Message) Classification {
	// Tagged kinds win over any text heuristic.
	switch msg.Kind {
	case types.KindProposal:
		return Classification{Type: ClassProposal, Topic: c.topic(msg.Content)}
	case types.KindAgreement:
		return Classification{Type: ClassReaction, Sentiment: SentimentAgree}
	case types.KindDisagreement:
		return Classification{Type: ClassReaction, Sentiment: SentimentDisagree}
	case types.KindSystem, types.KindResearchResult:
		return Classification{Type: ClassNone}
	}

	content := strings.ToLower(msg.Content)

	if c.decisionRe.MatchString(content) {
		return Classification{Type: ClassDecision, Topic: c.topic(msg.Content)}
	}
	if c.proposalRe.MatchString(content) {
		return Classification{Type: ClassProposal, Topic: c.topic(msg.Content)}
	}
	for _, w := range c.agreeWords {
		if strings.Contains(content, w) {
			return Classification{Type: ClassReaction, Sentiment: SentimentAgree}
		}
	}
	for _, w := range c.disagreeWords {
		if strings.Contains(content, w) {
			return Classification{Type: ClassReaction, Sentiment: SentimentDisagree}
		}
	}
	return Classification{Type: ClassNone}
}

// topic extracts a short topic phrase, empty when nothing matches.
func (c *PatternClassifier) topic(content string) string {
	m := c.topicRe.FindStringSubmatch(content)
	if len(m) < 2 {
		return ""
	}
	topic := strings.TrimSpace(m[1])
	if i := strings.IndexAny(topic, ".,;:!?"); i >= 0 {
		topic = topic[:i]
	}
	return strings.TrimSpace(topic)
}
