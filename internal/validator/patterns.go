package validator

import "regexp"

// maxBodyLenForRegex limits the body size for regex matching to prevent
// ReDoS with pathological inputs. 100KB is enough to catch every known
// block page.
const maxBodyLenForRegex = 100 * 1024

// BlockType classifies a detected block.
type BlockType string

const (
	BlockNone         BlockType = ""
	BlockCaptcha      BlockType = "captcha"
	BlockRateLimit    BlockType = "rate_limit"
	BlockBotDetection BlockType = "bot_detection"
	BlockHTTPError    BlockType = "http_error"
	BlockSilent       BlockType = "silent_block"
)

// blockPattern defines a detection pattern and its metadata.
// Patterns use [^<]{0,N} instead of .{0,N} to avoid backtracking across
// HTML element boundaries.
type blockPattern struct {
	pattern    *regexp.Regexp
	indicator  string
	blockType  BlockType
	confidence float64
}

// captchaPatterns match CAPTCHA widgets and challenge containers.
// Checked first: a CAPTCHA page often also contains rate-limit wording.
var captchaPatterns = []blockPattern{
	{regexp.MustCompile(`(?i)g-recaptcha`), "g-recaptcha", BlockCaptcha, 0.95},
	{regexp.MustCompile(`(?i)grecaptcha\.(execute|render)`), "grecaptcha-js", BlockCaptcha, 0.95},
	{regexp.MustCompile(`(?i)h-?captcha`), "hcaptcha", BlockCaptcha, 0.95},
	{regexp.MustCompile(`(?i)data-sitekey`), "data-sitekey", BlockCaptcha, 0.95},
	{regexp.MustCompile(`(?i)cf-turnstile`), "cf-turnstile", BlockCaptcha, 0.95},
	{regexp.MustCompile(`(?i)please\s{1,5}complete\s{1,5}the\s{1,5}captcha`), "captcha-prompt", BlockCaptcha, 0.95},
	{regexp.MustCompile(`(?i)verify\s{1,5}you\s{1,5}are\s{1,5}(a\s{1,5})?human`), "human-check", BlockCaptcha, 0.95},
}

// rateLimitPatterns match throttling responses, including locale variants
// seen on Japanese storefronts. Specific patterns come before generic
// ones: a Cloudflare 1015 page also contains rate-limit wording.
var rateLimitPatterns = []blockPattern{
	{regexp.MustCompile(`(?i)too\s{1,5}many\s{1,5}requests`), "too-many-requests", BlockRateLimit, 0.95},
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1015`), "cf-1015", BlockRateLimit, 0.95},
	{regexp.MustCompile(`(?i)rate\s{0,3}limit`), "rate-limit", BlockRateLimit, 0.9},
	{regexp.MustCompile(`429`), "429-in-body", BlockRateLimit, 0.9},
	{regexp.MustCompile(`(?i)slow\s{1,5}down`), "slow-down", BlockRateLimit, 0.9},
	{regexp.MustCompile(`アクセスが集中`), "access-congestion-ja", BlockRateLimit, 0.9},
	{regexp.MustCompile(`しばらく(経って|たって)から`), "retry-later-ja", BlockRateLimit, 0.9},
}

// botDetectionPatterns match explicit bot-wall responses.
var botDetectionPatterns = []blockPattern{
	{regexp.MustCompile(`(?i)access\s{1,5}denied`), "access-denied", BlockBotDetection, 0.9},
	{regexp.MustCompile(`(?i)you\s{1,5}(have\s{1,5}been\s{1,5})?blocked`), "blocked", BlockBotDetection, 0.9},
	{regexp.MustCompile(`(?i)bot\s{1,5}detect`), "bot-detected", BlockBotDetection, 0.9},
	{regexp.MustCompile(`(?i)automated\s{1,5}(access|request|traffic)`), "automated-access", BlockBotDetection, 0.85},
	{regexp.MustCompile(`(?i)suspicious\s{1,5}(activity|traffic)`), "suspicious-activity", BlockBotDetection, 0.85},
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}10(06|07|08|10|12|20)`), "cf-access-denied", BlockBotDetection, 0.9},
	{regexp.MustCompile(`(?i)pardon\s{1,5}our\s{1,5}interruption`), "interruption", BlockBotDetection, 0.85},
	{regexp.MustCompile(`(?i)unusual\s{1,5}traffic`), "unusual-traffic", BlockBotDetection, 0.85},
}

// httpErrorPatterns match origin error pages delivered with a 200 status.
var httpErrorPatterns = []blockPattern{
	{regexp.MustCompile(`(?i)503\s{1,5}service\s{1,5}(temporarily\s{1,5})?unavailable`), "503-page", BlockHTTPError, 0.85},
	{regexp.MustCompile(`(?i)502\s{1,5}bad\s{1,5}gateway`), "502-page", BlockHTTPError, 0.85},
	{regexp.MustCompile(`(?i)500\s{1,5}internal\s{1,5}server\s{1,5}error`), "500-page", BlockHTTPError, 0.8},
	{regexp.MustCompile(`(?i)service\s{1,5}(is\s{1,5})?(temporarily\s{1,5})?unavailable`), "unavailable", BlockHTTPError, 0.8},
	{regexp.MustCompile(`(?i)maintenance\s{1,5}mode`), "maintenance", BlockHTTPError, 0.8},
}

// guardPatterns match intermediary challenge pages (the escalation signal
// for the challenge solver). The set is extensible at runtime via the
// override file, see Overrides.
var guardPatterns = []blockPattern{
	{regexp.MustCompile(`(?i)checking\s{1,5}your\s{1,5}browser`), "checking-browser", BlockBotDetection, 0.95},
	{regexp.MustCompile(`(?i)just\s{1,5}a\s{1,5}moment`), "just-a-moment", BlockBotDetection, 0.9},
	{regexp.MustCompile(`(?i)attention\s{1,5}required[^<]{0,5}\|\s{0,5}cloudflare`), "cf-attention", BlockBotDetection, 0.95},
	{regexp.MustCompile(`(?i)cf-browser-verification`), "cf-browser-verification", BlockBotDetection, 0.95},
	{regexp.MustCompile(`(?i)challenge-platform`), "cf-challenge-platform", BlockBotDetection, 0.95},
	{regexp.MustCompile(`(?i)_cf_chl`), "cf-chl", BlockBotDetection, 0.95},
	{regexp.MustCompile(`(?i)ddos-guard`), "ddos-guard", BlockBotDetection, 0.9},
	{regexp.MustCompile(`(?i)enable\s{1,5}javascript\s{1,5}and\s{1,5}cookies`), "js-and-cookies", BlockBotDetection, 0.85},
}

// placeholderPatterns match bodies that are technically HTML but carry no
// content; used by the silent-block heuristic.
var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)loading\s{0,3}\.{3}`),
	regexp.MustCompile(`(?i)please\s{1,5}wait`),
	regexp.MustCompile(`(?i)redirecting`),
	regexp.MustCompile(`(?i)one\s{1,5}moment`),
	regexp.MustCompile(`<div\s+id=["'](?:root|app|__next|__nuxt)["'][^>]*>\s*</div>`),
}

// errorIndicatorTerms penalize the quality score when present.
var errorIndicatorTerms = []string{
	"not found",
	"error occurred",
	"something went wrong",
	"no longer available",
	"page unavailable",
	"out of service",
}
