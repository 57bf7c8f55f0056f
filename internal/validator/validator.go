// Package validator classifies response bodies as valid, blocked, CAPTCHA
// or silently blocked, producing a routing signal for the coordinator.
package validator

import (
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// baselineSamples is the window for the per-domain element-count baseline.
const baselineSamples = 10

// maxTrackedDomains bounds the per-domain state maps.
const maxTrackedDomains = 5000

// similarityWords caps the number of words used for body similarity.
const similarityWords = 500

// Result is the classification of one response body.
type Result struct {
	IsValid         bool
	BlockDetected   bool
	BlockType       BlockType
	ConfidenceScore float64
	QualityScore    float64
	Indicators      []string
	Warning         string
}

// Config tunes the validator.
type Config struct {
	MinContentLength int     // bodies below max(200, MinContentLength*0.3) count as a silent-block signal
	MinQualityScore  float64 // validity threshold for unblocked bodies
}

// DefaultConfig returns the validator defaults.
func DefaultConfig() Config {
	return Config{
		MinContentLength: 1000,
		MinQualityScore:  0.5,
	}
}

// domainState holds the silent-block detection memory for one domain.
type domainState struct {
	elementCounts []int // bounded ring, cap baselineSamples
	prevWords     map[string]struct{}
}

// elementBaseline returns the rolling average element count, or 0 when the
// domain has no samples yet.
func (d *domainState) elementBaseline() float64 {
	if len(d.elementCounts) == 0 {
		return 0
	}
	sum := 0
	for _, c := range d.elementCounts {
		sum += c
	}
	return float64(sum) / float64(len(d.elementCounts))
}

// Validator classifies response bodies. Safe for concurrent use; the only
// mutable state is the per-domain silent-block baseline.
type Validator struct {
	cfg       Config
	overrides *Overrides

	mu      sync.Mutex
	domains map[string]*domainState
}

// New creates a validator. overrides may be nil.
func New(cfg Config, overrides *Overrides) *Validator {
	if cfg.MinQualityScore <= 0 {
		cfg.MinQualityScore = 0.5
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 1000
	}
	return &Validator{
		cfg:       cfg,
		overrides: overrides,
		domains:   make(map[string]*domainState),
	}
}

// Validate classifies body for the given domain. Classification order:
// empty, CAPTCHA, rate limit, bot detection, HTTP error page, silent block,
// then quality scoring. All matched signals are reported as indicators.
func (v *Validator) Validate(body, domain string) Result {
	if len(strings.TrimSpace(body)) < 10 {
		return Result{
			IsValid:         false,
			ConfidenceScore: 0,
			Indicators:      []string{"empty-body"},
		}
	}

	scanBody := body
	if len(scanBody) > maxBodyLenForRegex {
		scanBody = scanBody[:maxBodyLenForRegex]
	}

	doc, parseErr := goquery.NewDocumentFromReader(strings.NewReader(body))

	res := Result{}
	groups := [][]blockPattern{captchaPatterns, rateLimitPatterns, botDetectionPatterns, httpErrorPatterns, guardPatterns}
	for _, group := range groups {
		for _, p := range group {
			if p.pattern.MatchString(scanBody) {
				res.Indicators = append(res.Indicators, p.indicator)
				if !res.BlockDetected {
					res.BlockDetected = true
					res.BlockType = p.blockType
					res.ConfidenceScore = p.confidence
				}
			}
		}
	}
	if v.overrides != nil {
		for _, p := range v.overrides.BlockedPatterns() {
			if p.pattern.MatchString(scanBody) {
				res.Indicators = append(res.Indicators, p.indicator)
				if !res.BlockDetected {
					res.BlockDetected = true
					res.BlockType = p.blockType
					res.ConfidenceScore = p.confidence
				}
			}
		}
	}

	// DOM probes confirm CAPTCHA containers even when markers were minified
	// out of the raw text.
	if doc != nil && !res.BlockDetected {
		if doc.Find(".g-recaptcha, .h-captcha, #challenge-form, .cf-turnstile").Length() > 0 {
			res.BlockDetected = true
			res.BlockType = BlockCaptcha
			res.ConfidenceScore = 0.95
			res.Indicators = append(res.Indicators, "captcha-container")
		}
	}

	if res.BlockDetected {
		res.IsValid = false
		return res
	}

	if parseErr != nil {
		log.Warn().Err(parseErr).Str("domain", domain).Msg("Body parse failed, treating as invalid")
		return Result{
			IsValid:    false,
			Indicators: []string{"parse-error"},
			Warning:    "body could not be parsed: " + parseErr.Error(),
		}
	}

	elementCount := doc.Find("*").Length()
	words := strings.Fields(visibleText(doc))

	if silent, signals := v.detectSilentBlock(domain, body, elementCount, words); silent {
		res.BlockDetected = true
		res.BlockType = BlockSilent
		res.ConfidenceScore = 0.8
		res.Indicators = append(res.Indicators, signals...)
		res.IsValid = false
		v.observe(domain, body, elementCount, words)
		return res
	}

	res.QualityScore = v.qualityScore(doc, body, words)
	res.IsValid = res.QualityScore >= v.cfg.MinQualityScore
	res.ConfidenceScore = res.QualityScore
	if !res.IsValid {
		res.Indicators = append(res.Indicators, "low-quality")
	}

	v.observe(domain, body, elementCount, words)
	return res
}

// LooksLikeGuardHTML reports whether body looks like an intermediary
// challenge page. Used by the coordinator as the escalation trigger even
// when the overall classification was inconclusive.
func (v *Validator) LooksLikeGuardHTML(body string) bool {
	if len(body) > maxBodyLenForRegex {
		body = body[:maxBodyLenForRegex]
	}
	for _, p := range guardPatterns {
		if p.pattern.MatchString(body) {
			return true
		}
	}
	if v.overrides != nil {
		for _, p := range v.overrides.GuardPatterns() {
			if p.pattern.MatchString(body) {
				return true
			}
		}
	}
	return false
}

// detectSilentBlock applies the silent-block heuristic: at least two
// independent signals must fire.
func (v *Validator) detectSilentBlock(domain, body string, elementCount int, words []string) (bool, []string) {
	var signals []string

	minLen := 200
	if scaled := int(float64(v.cfg.MinContentLength) * 0.3); scaled > minLen {
		minLen = scaled
	}
	if len(body) < minLen {
		signals = append(signals, "short-body")
	}

	v.mu.Lock()
	state := v.domains[domain]
	var baseline float64
	var prevWords map[string]struct{}
	if state != nil {
		baseline = state.elementBaseline()
		prevWords = state.prevWords
	}
	v.mu.Unlock()

	if baseline > 0 && float64(elementCount) < baseline*0.3 {
		signals = append(signals, "element-count-drop")
	}

	if prevWords != nil {
		if sim := similarity(wordSet(words), prevWords); sim > 0.95 {
			signals = append(signals, "repeated-body")
		}
	}

	if len(words) < 20 {
		signals = append(signals, "few-words")
	}

	if freq := topWordFrequency(words); freq > 0.35 {
		signals = append(signals, "degenerate-text")
	}

	if len(body) > 0 {
		textLen := 0
		for _, w := range words {
			textLen += len(w)
		}
		if float64(textLen)/float64(len(body)) < 0.2 {
			signals = append(signals, "low-text-ratio")
		}
	}

	lower := strings.ToLower(body)
	for _, p := range placeholderPatterns {
		if p.MatchString(lower) {
			signals = append(signals, "placeholder")
			break
		}
	}

	return len(signals) >= 2, signals
}

// qualityScore scores an unblocked body in [0,1] from structural and
// textual signals.
func (v *Validator) qualityScore(doc *goquery.Document, body string, words []string) float64 {
	score := 0.0

	// Length: full credit at MinContentLength.
	lengthScore := float64(len(body)) / float64(v.cfg.MinContentLength)
	if lengthScore > 1 {
		lengthScore = 1
	}
	score += 0.2 * lengthScore

	// Word count: full credit at 100 words.
	wordScore := float64(len(words)) / 100
	if wordScore > 1 {
		wordScore = 1
	}
	score += 0.2 * wordScore

	// Document skeleton.
	structure := 0.0
	for _, sel := range []string{"html", "head", "body", "title"} {
		if doc.Find(sel).Length() > 0 {
			structure += 0.25
		}
	}
	score += 0.2 * structure

	// Semantic and content tags.
	semantic := 0.0
	if doc.Find("article, main, section").Length() > 0 {
		semantic += 0.5
	}
	if doc.Find("h1, h2, p, img, table, ul").Length() > 2 {
		semantic += 0.5
	}
	score += 0.15 * semantic

	// Element diversity: distinct tag names, full credit at 12.
	seen := map[string]struct{}{}
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if len(s.Nodes) > 0 {
			seen[s.Nodes[0].Data] = struct{}{}
		}
	})
	diversity := float64(len(seen)) / 12
	if diversity > 1 {
		diversity = 1
	}
	score += 0.15 * diversity

	// Navigation and main landmarks.
	if doc.Find("nav, header, footer").Length() > 0 {
		score += 0.05
	}
	if doc.Find("main, #main, #content, .content").Length() > 0 {
		score += 0.05
	}

	// Penalize error wording.
	lower := strings.ToLower(body)
	for _, term := range errorIndicatorTerms {
		if strings.Contains(lower, term) {
			score -= 0.15
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// observe feeds the per-domain baseline with this body's sample. The
// element-count ring is bounded; the domain map evicts arbitrarily at cap.
func (v *Validator) observe(domain string, body string, elementCount int, words []string) {
	if domain == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	state, ok := v.domains[domain]
	if !ok {
		if len(v.domains) >= maxTrackedDomains {
			for d := range v.domains {
				delete(v.domains, d)
				break
			}
		}
		state = &domainState{}
		v.domains[domain] = state
	}
	state.elementCounts = append(state.elementCounts, elementCount)
	if len(state.elementCounts) > baselineSamples {
		state.elementCounts = state.elementCounts[len(state.elementCounts)-baselineSamples:]
	}
	state.prevWords = wordSet(words)
}

// visibleText extracts the visible text of a document, skipping script and
// style content.
func visibleText(doc *goquery.Document) string {
	clone := doc.Clone()
	clone.Find("script, style, noscript").Remove()
	return clone.Text()
}

// wordSet builds a bounded set of words for similarity comparison.
func wordSet(words []string) map[string]struct{} {
	n := len(words)
	if n > similarityWords {
		n = similarityWords
	}
	set := make(map[string]struct{}, n)
	for _, w := range words[:n] {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}

// similarity is the Jaccard similarity of two word sets.
func similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// topWordFrequency returns the share of the most frequent word.
func topWordFrequency(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	counts := make(map[string]int, len(words))
	max := 0
	for _, w := range words {
		counts[w]++
		if counts[w] > max {
			max = counts[w]
		}
	}
	return float64(max) / float64(len(words))
}
