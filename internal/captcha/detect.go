// Package captcha detects CAPTCHA challenges in response bodies and
// solves them through an external solving service.
package captcha

import (
	"net/url"
	"regexp"
	"strings"
)

// Type identifies a CAPTCHA family.
type Type string

const (
	TypeRecaptchaV2 Type = "recaptcha_v2"
	TypeRecaptchaV3 Type = "recaptcha_v3"
	TypeHCaptcha    Type = "hcaptcha"
	TypeImage       Type = "image_captcha"
)

// maxDetectLen bounds the body slice scanned by the detection regexes.
const maxDetectLen = 200 * 1024

// Detection describes a CAPTCHA found in a page.
type Detection struct {
	Type       Type
	SiteKey    string
	Action     string // reCAPTCHA v3 action, when present
	ImageURL   string // absolute URL for image CAPTCHAs
	Confidence float64
}

var (
	// v3 loads api.js with an explicit render key; checked first because
	// v3 pages often also carry v2-style markers.
	recaptchaV3Re     = regexp.MustCompile(`api\.js\?render=([0-9A-Za-z_-]{20,})`)
	recaptchaActionRe = regexp.MustCompile(`data-action=["']([^"']+)["']`)

	recaptchaV2Re   = regexp.MustCompile(`(?i)class=["'][^"']*g-recaptcha[^"']*["']`)
	siteKeyRe       = regexp.MustCompile(`data-sitekey=["']([^"']+)["']`)
	grecaptchaJSRe  = regexp.MustCompile(`grecaptcha\.(?:render|execute)`)
	hcaptchaRe      = regexp.MustCompile(`(?i)class=["'][^"']*h-captcha[^"']*["']|hcaptcha\.com/1/api\.js`)
	captchaImageRe  = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']*captcha[^"']*)["']`)
)

// Detect scans body for a CAPTCHA, most specific type first. pageURL is
// used to absolutize image CAPTCHA sources. Returns nil when nothing is
// found.
func Detect(body, pageURL string) *Detection {
	if len(body) > maxDetectLen {
		body = body[:maxDetectLen]
	}

	if m := recaptchaV3Re.FindStringSubmatch(body); m != nil {
		det := &Detection{Type: TypeRecaptchaV3, SiteKey: m[1], Confidence: 0.95}
		if a := recaptchaActionRe.FindStringSubmatch(body); a != nil {
			det.Action = a[1]
		}
		return det
	}

	if recaptchaV2Re.MatchString(body) || grecaptchaJSRe.MatchString(body) {
		det := &Detection{Type: TypeRecaptchaV2, Confidence: 0.9}
		if m := siteKeyRe.FindStringSubmatch(body); m != nil {
			det.SiteKey = m[1]
			det.Confidence = 0.95
		}
		if det.SiteKey != "" {
			return det
		}
		// A widget without a site key cannot be submitted; keep scanning.
	}

	if hcaptchaRe.MatchString(body) {
		det := &Detection{Type: TypeHCaptcha, Confidence: 0.9}
		if m := siteKeyRe.FindStringSubmatch(body); m != nil {
			det.SiteKey = m[1]
			det.Confidence = 0.95
		}
		if det.SiteKey != "" {
			return det
		}
	}

	if m := captchaImageRe.FindStringSubmatch(body); m != nil {
		if abs := absolutize(pageURL, m[1]); abs != "" {
			return &Detection{Type: TypeImage, ImageURL: abs, Confidence: 0.7}
		}
	}

	return nil
}

func absolutize(pageURL, src string) string {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(src)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
