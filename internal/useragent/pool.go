// Package useragent maintains pools of user-agent strings and rotates
// through them so that no two consecutive acquisitions reuse the same one.
package useragent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/corpix/uarand"
	"github.com/rs/zerolog/log"
)

// PoolKind selects one of the three sub-pools.
type PoolKind string

const (
	PoolBrowser PoolKind = "browser"
	PoolMobile  PoolKind = "mobile"
	PoolBot     PoolKind = "bot"
)

// minPoolSize is the floor each sub-pool is padded to after filtering.
const minPoolSize = 5

// generatorSamples is how many strings are drawn from the generator
// library on each build.
const generatorSamples = 40

// curatedBrowser is the static desktop pool, Chrome-heavy to match real
// traffic distributions.
var curatedBrowser = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:134.0) Gecko/20100101 Firefox/134.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:134.0) Gecko/20100101 Firefox/134.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36 Edg/132.0.0.0",
}

// curatedMobile is the static mobile pool.
var curatedMobile = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 18_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 14; SM-S921B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (iPad; CPU OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
}

// curatedBot is the static well-behaved crawler pool.
var curatedBot = []string{
	"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
	"Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)",
	"Mozilla/5.0 (compatible; YandexBot/3.0; +http://yandex.com/bots)",
	"Mozilla/5.0 (compatible; DuckDuckBot/1.1; +http://duckduckgo.com/duckduckbot.html)",
	"Mozilla/5.0 (compatible; Applebot/0.1; +http://www.apple.com/go/applebot)",
}

var (
	chromeVersionRe = regexp.MustCompile(`Chrome/(\d+)`)
	mobileRe        = regexp.MustCompile(`(?i)mobile|android|iphone|ipad`)
	botRe           = regexp.MustCompile(`(?i)bot|crawler|spider|slurp`)
)

// FilterConfig controls which candidate strings survive pool building.
type FilterConfig struct {
	MinChromeVersion int     // drop Chrome strings older than this major version
	ExcludeMobile    bool    // drop mobile strings from the browser pool
	ExcludeBots      bool    // drop crawler strings from the browser pool
	ChromeShare      float64 // minimum share of Chrome strings in the browser pool
}

// DefaultFilterConfig returns the standard filter settings.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MinChromeVersion: 110,
		ExcludeMobile:    true,
		ExcludeBots:      true,
		ChromeShare:      0.6,
	}
}

// buildPools assembles the three sub-pools from the curated lists plus a
// sample drawn from the generator library, applying the filters.
func buildPools(cfg FilterConfig) map[PoolKind][]string {
	candidates := append([]string{}, curatedBrowser...)
	for i := 0; i < generatorSamples; i++ {
		candidates = append(candidates, uarand.GetRandom())
	}

	browser := filterBrowser(candidates, cfg)
	browser = enforceChromeShare(browser, cfg.ChromeShare)
	browser = pad(dedupe(browser), curatedBrowser)

	mobile := pad(dedupe(curatedMobile), curatedMobile)
	bot := pad(dedupe(curatedBot), curatedBot)

	return map[PoolKind][]string{
		PoolBrowser: browser,
		PoolMobile:  mobile,
		PoolBot:     bot,
	}
}

func filterBrowser(candidates []string, cfg FilterConfig) []string {
	out := make([]string, 0, len(candidates))
	for _, ua := range candidates {
		if ua == "" {
			continue
		}
		if cfg.ExcludeMobile && mobileRe.MatchString(ua) {
			continue
		}
		if cfg.ExcludeBots && botRe.MatchString(ua) {
			continue
		}
		if m := chromeVersionRe.FindStringSubmatch(ua); m != nil {
			ver, err := strconv.Atoi(m[1])
			if err != nil || ver < cfg.MinChromeVersion {
				continue
			}
		}
		out = append(out, ua)
	}
	return out
}

// enforceChromeShare drops non-Chrome strings until Chrome makes up at
// least the requested share of the pool.
func enforceChromeShare(pool []string, share float64) []string {
	if share <= 0 || len(pool) == 0 {
		return pool
	}
	chrome := 0
	for _, ua := range pool {
		if strings.Contains(ua, "Chrome/") {
			chrome++
		}
	}
	if chrome == 0 {
		log.Warn().Msg("No Chrome user agents in pool, cannot enforce Chrome share")
		return pool
	}
	for float64(chrome)/float64(len(pool)) < share {
		dropped := false
		for i, ua := range pool {
			if !strings.Contains(ua, "Chrome/") {
				pool = append(pool[:i], pool[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			break
		}
	}
	return pool
}

func dedupe(pool []string) []string {
	seen := make(map[string]struct{}, len(pool))
	out := pool[:0]
	for _, ua := range pool {
		if _, ok := seen[ua]; ok {
			continue
		}
		seen[ua] = struct{}{}
		out = append(out, ua)
	}
	return out
}

// pad cycles fallback strings into the pool until it reaches minPoolSize.
// Duplicates are acceptable here: an undersized pool would break mandatory
// rotation entirely.
func pad(pool, fallback []string) []string {
	for i := 0; len(pool) < minPoolSize && len(fallback) > 0; i++ {
		pool = append(pool, fallback[i%len(fallback)])
	}
	return pool
}
