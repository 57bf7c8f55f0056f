package validator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const productPage = `<!DOCTYPE html>
<html>
<head><title>Premium Widget - Example Store</title></head>
<body>
<header><nav><ul><li>Home</li><li>Widgets</li><li>Contact</li></ul></nav></header>
<main id="content">
<article>
<h1>Premium Widget</h1>
<p>The premium widget is the finest widget available anywhere. It is built
from aircraft grade aluminium and ships with a lifetime warranty. Customers
report years of trouble free widget operation in demanding environments.</p>
<table><tr><td>Price</td><td>$19.99</td></tr><tr><td>Stock</td><td>42</td></tr></table>
<img src="/widget.jpg" alt="widget">
<section><h2>Reviews</h2><p>Five stars. Would widget again. Truly the best
purchase this year, arrived quickly and exactly as described in the listing
photos and specification sheet provided by the manufacturer.</p></section>
</article>
</main>
<footer><p>Copyright Example Store</p></footer>
</body>
</html>`

func TestValidateEmptyBody(t *testing.T) {
	v := New(DefaultConfig(), nil)

	for _, body := range []string{"", "   ", "<html>"} {
		res := v.Validate(body, "example.com")
		if res.IsValid {
			t.Errorf("Validate(%q) valid = true, want false", body)
		}
		if res.ConfidenceScore != 0 {
			t.Errorf("Validate(%q) confidence = %v, want 0", body, res.ConfidenceScore)
		}
	}
}

func TestValidateBlockClassification(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantType  BlockType
		wantConf  float64
		indicator string
	}{
		{
			name:      "recaptcha widget",
			body:      `<html><body><div class="g-recaptcha" data-sitekey="abc"></div></body></html>`,
			wantType:  BlockCaptcha,
			wantConf:  0.95,
			indicator: "g-recaptcha",
		},
		{
			name:      "hcaptcha",
			body:      `<html><body><div class="h-captcha"></div>please verify</body></html>`,
			wantType:  BlockCaptcha,
			wantConf:  0.95,
			indicator: "hcaptcha",
		},
		{
			name:      "too many requests",
			body:      `<html><body><h1>Too Many Requests</h1><p>try again later</p></body></html>`,
			wantType:  BlockRateLimit,
			wantConf:  0.95,
			indicator: "too-many-requests",
		},
		{
			name:      "cloudflare 1015",
			body:      `<html><body>Error code: 1015 You are being rate limited</body></html>`,
			wantType:  BlockRateLimit,
			wantConf:  0.95,
			indicator: "cf-1015",
		},
		{
			name:      "japanese congestion page",
			body:      `<html><body>アクセスが集中しています。しばらく経ってからアクセスしてください。</body></html>`,
			wantType:  BlockRateLimit,
			wantConf:  0.9,
			indicator: "access-congestion-ja",
		},
		{
			name:      "access denied",
			body:      `<html><body><h1>Access Denied</h1><p>You don't have permission.</p></body></html>`,
			wantType:  BlockBotDetection,
			wantConf:  0.9,
			indicator: "access-denied",
		},
		{
			name:      "503 error page",
			body:      `<html><body><h1>503 Service Temporarily Unavailable</h1></body></html>`,
			wantType:  BlockHTTPError,
			wantConf:  0.85,
			indicator: "503-page",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(DefaultConfig(), nil)
			res := v.Validate(tt.body, "example.com")
			if res.IsValid {
				t.Error("blocked body reported as valid")
			}
			if !res.BlockDetected {
				t.Fatal("block not detected")
			}
			if res.BlockType != tt.wantType {
				t.Errorf("blockType = %s, want %s", res.BlockType, tt.wantType)
			}
			if res.ConfidenceScore < tt.wantConf {
				t.Errorf("confidence = %v, want >= %v", res.ConfidenceScore, tt.wantConf)
			}
			if !containsIndicator(res.Indicators, tt.indicator) {
				t.Errorf("indicators %v missing %q", res.Indicators, tt.indicator)
			}
		})
	}
}

func TestCaptchaWinsOverRateLimit(t *testing.T) {
	// A CAPTCHA challenge page that also mentions rate limiting must be
	// classified as captcha so it gets routed to the solver.
	body := `<html><body>Too many requests from your network.
<div class="g-recaptcha" data-sitekey="x"></div></body></html>`

	v := New(DefaultConfig(), nil)
	res := v.Validate(body, "example.com")
	if res.BlockType != BlockCaptcha {
		t.Errorf("blockType = %s, want %s", res.BlockType, BlockCaptcha)
	}
}

func TestValidateGoodPage(t *testing.T) {
	v := New(DefaultConfig(), nil)
	res := v.Validate(productPage, "example.com")
	if !res.IsValid {
		t.Fatalf("product page reported invalid: quality=%v indicators=%v", res.QualityScore, res.Indicators)
	}
	if res.BlockDetected {
		t.Errorf("block detected on a normal page: %v", res.Indicators)
	}
	if res.QualityScore < 0.5 {
		t.Errorf("quality = %v, want >= 0.5", res.QualityScore)
	}
}

func TestSilentBlockRequiresTwoSignals(t *testing.T) {
	v := New(DefaultConfig(), nil)

	// Short and nearly empty: short-body + few-words fire together.
	res := v.Validate("<html><body><div>ok then</div></body></html>", "example.com")
	if !res.BlockDetected || res.BlockType != BlockSilent {
		t.Errorf("blockType = %s, want %s (indicators %v)", res.BlockType, BlockSilent, res.Indicators)
	}
}

func TestSilentBlockElementCountDrop(t *testing.T) {
	v := New(DefaultConfig(), nil)

	// Establish a baseline of rich pages.
	for i := 0; i < 5; i++ {
		if res := v.Validate(productPage, "shop.example.com"); !res.IsValid {
			t.Fatalf("baseline page invalid: %v", res.Indicators)
		}
	}

	// A stripped shell with under 30% of the baseline element count and
	// almost no words must trip the silent-block heuristic.
	shell := `<html><body><div>content pending review today</div></body></html>`
	res := v.Validate(shell, "shop.example.com")
	if res.BlockType != BlockSilent {
		t.Fatalf("blockType = %s, want %s (indicators %v)", res.BlockType, BlockSilent, res.Indicators)
	}
	if !containsIndicator(res.Indicators, "element-count-drop") {
		t.Errorf("indicators %v missing element-count-drop", res.Indicators)
	}
}

func TestSPAShellPlaceholder(t *testing.T) {
	v := New(DefaultConfig(), nil)
	body := `<html><head><title>App</title></head><body><div id="root"></div></body></html>`
	res := v.Validate(body, "spa.example.com")
	if res.IsValid {
		t.Error("empty SPA shell reported valid")
	}
	if res.BlockType != BlockSilent {
		t.Errorf("blockType = %s, want %s", res.BlockType, BlockSilent)
	}
	if !containsIndicator(res.Indicators, "placeholder") {
		t.Errorf("indicators %v missing placeholder", res.Indicators)
	}
}

func TestLooksLikeGuardHTML(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"cloudflare checking browser", `<html><title>Just a moment...</title><body>Checking your browser before accessing</body></html>`, true},
		{"cf challenge script", `<html><script src="/cdn-cgi/challenge-platform/orchestrate.js"></script></html>`, true},
		{"ddos guard", `<html><body>DDoS-Guard protection</body></html>`, true},
		{"normal page", productPage, false},
	}

	v := New(DefaultConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.LooksLikeGuardHTML(tt.body); got != tt.want {
				t.Errorf("LooksLikeGuardHTML = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOversizedBodyTruncatedForMatching(t *testing.T) {
	// The block marker sits beyond the regex scan window, so pattern
	// matching must not see it; the page is otherwise rich enough to pass.
	body := productPage + strings.Repeat("<p>filler paragraph with assorted words here</p>", 4000) + "g-recaptcha"
	if len(body) <= maxBodyLenForRegex {
		t.Fatal("test body not oversized")
	}

	v := New(DefaultConfig(), nil)
	res := v.Validate(body, "example.com")
	if res.BlockDetected {
		t.Errorf("marker beyond scan window was matched: %v", res.Indicators)
	}
}

func TestOverridesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")

	initial := `
guard:
  - pattern: "(?i)custom-shield"
    indicator: custom-shield
blocked:
  - pattern: "(?i)store\\s+closed\\s+for\\s+bots"
    indicator: store-closed
    type: bot_detection
    confidence: 0.9
`
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatal(err)
	}

	o, err := LoadOverrides(path)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	v := New(DefaultConfig(), o)
	if !v.LooksLikeGuardHTML(`<html><body>custom-shield verification</body></html>`) {
		t.Error("override guard pattern not applied")
	}
	res := v.Validate(`<html><body><h1>Store closed for bots</h1><p>go away now please</p></body></html>`, "example.com")
	if res.BlockType != BlockBotDetection {
		t.Errorf("blockType = %s, want %s", res.BlockType, BlockBotDetection)
	}

	updated := `
guard:
  - pattern: "(?i)other-shield"
    indicator: other-shield
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if v.LooksLikeGuardHTML("other-shield") && !v.LooksLikeGuardHTML("custom-shield") {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("override file change was not picked up")
}

func TestOverridesMissingFile(t *testing.T) {
	o, err := LoadOverrides(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing override file must not fail: %v", err)
	}
	defer o.Close()

	if got := len(o.GuardPatterns()); got != 0 {
		t.Errorf("guard patterns = %d, want 0", got)
	}
}

func TestOverridesBadReloadKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	if err := os.WriteFile(path, []byte("guard:\n  - pattern: good\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	o, err := LoadOverrides(path)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	if err := os.WriteFile(path, []byte("guard:\n  - pattern: \"([\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The invalid regex must not clobber the served snapshot.
	time.Sleep(500 * time.Millisecond)
	if len(o.GuardPatterns()) != 1 {
		t.Errorf("guard patterns = %d after bad reload, want 1", len(o.GuardPatterns()))
	}
}

func containsIndicator(indicators []string, want string) bool {
	for _, ind := range indicators {
		if ind == want {
			return true
		}
	}
	return false
}
