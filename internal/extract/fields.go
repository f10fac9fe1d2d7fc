package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const siteTagline = "Letterboxd — Your life in film"

var (
	trailingYearRE = regexp.MustCompile(`\s*\(\d{4}\)\s*$`)
	digitsYearRE   = regexp.MustCompile(`^\s*(\d{4})\s*$`)
	minsRE         = regexp.MustCompile(`(?i)(\d+)[\s\x{00A0}]*mins?\b`)
	isoMinutesRE   = regexp.MustCompile(`(?i)^PT(?:(\d+)H)?(\d+)M`)
)

// --- title ---

var titleStrategies = []strategy[string]{
	titleFromTitleTag,
	titleFromSelector("h1.headline-1.filmtitle"),
	titleFromSelector("h1.filmtitle"),
	titleFromSelector("section.film-header h1"),
	titleFromSelector(".film-header h1"),
	titleFromSelector("h1.headline-1"),
	func(p *page) (string, bool) {
		n := stripYear(p.linked().Name)
		return n, n != ""
	},
	titleFromAnyH1,
}

func stripYear(t string) string {
	return strings.TrimSpace(trailingYearRE.ReplaceAllString(t, ""))
}

func plausibleTitle(t string) bool {
	return t != "" && t != "Letterboxd" && t != siteTagline
}

// titleFromTitleTag 解析 "<片名> (<年>) directed by <导演> • ... • Letterboxd"。
func titleFromTitleTag(p *page) (string, bool) {
	full := strings.TrimSpace(p.doc.Find("title").First().Text())
	var t string
	switch {
	case strings.Contains(full, " directed by ") && strings.Contains(full, "• Letterboxd"):
		t = strings.SplitN(full, " directed by ", 2)[0]
	case strings.Contains(full, " • Letterboxd"):
		t = strings.SplitN(full, " • Letterboxd", 2)[0]
	default:
		return "", false
	}
	t = stripYear(strings.TrimSpace(printable(t)))
	return t, t != ""
}

func titleFromSelector(sel string) strategy[string] {
	return func(p *page) (string, bool) {
		t := normSpace(p.doc.Find(sel).First().Text())
		if t == siteTagline || len([]rune(t)) <= 1 {
			return "", false
		}
		return stripYear(t), true
	}
}

func titleFromAnyH1(p *page) (string, bool) {
	var out string
	p.doc.Find("h1").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		t := normSpace(s.Text())
		if t == siteTagline || strings.Contains(t, "Add") || strings.Contains(t, "to lists") || len([]rune(t)) <= 3 {
			return true
		}
		out = stripYear(t)
		return false
	})
	return out, out != ""
}

// --- release year ---

var yearStrategies = []strategy[int]{
	selectorInt("div.releaseyear a", digitsYearRE),
	selectorInt(".releaseyear", digitsYearRE),
	selectorInt("small.number a", digitsYearRE),
	selectorInt("a[href*='/films/year/']", digitsYearRE),
	func(p *page) (int, bool) {
		y := p.linked().Year
		return y, y != 0
	},
	func(p *page) (int, bool) {
		return matchInt(yearRE, p.doc.Find("title").First().Text())
	},
}

// --- runtime ---

var runtimeStrategies = []strategy[int]{
	func(p *page) (int, bool) {
		s := p.doc.Find("time.u-slug[datetime]").First()
		if s.Length() == 0 {
			return 0, false
		}
		if n, ok := matchInt(minsRE, s.Text()); ok {
			return n, true
		}
		if m := isoMinutesRE.FindStringSubmatch(s.AttrOr("datetime", "")); len(m) == 3 {
			h, _ := strconv.Atoi(m[1])
			mins, _ := strconv.Atoi(m[2])
			return h*60 + mins, true
		}
		return 0, false
	},
	selectorInt("a[href*='/runtime/']", minsRE),
	selectorInt(".film-facts .text-slug", minsRE),
	selectorInt(".film-facts .runtime", minsRE),
	selectorInt("p.text-footer", minsRE),
	func(p *page) (int, bool) {
		return matchInt(minsRE, p.doc.Find("body").Text())
	},
}

// --- average rating ---

var ratingStrategies = []strategy[float64]{
	func(p *page) (float64, bool) {
		if r := p.linked().Rating; r != nil {
			return *r, true
		}
		return 0, false
	},
	func(p *page) (float64, bool) {
		v, ok := p.doc.Find("[data-average-rating]").First().Attr("data-average-rating")
		if !ok {
			return 0, false
		}
		return parseFloat(v)
	},
	ratingText(".average-rating .rating"),
	ratingText(".film-stats .rating"),
	ratingText(".rating .average-rating"),
	ratingText(".average-rating"),
	ratingMeta(`meta[name="twitter:data2"]`),
	ratingMeta(`meta[property="letterboxd:average_rating"]`),
	ratingMeta(`meta[name="letterboxd:average_rating"]`),
}

func ratingText(sel string) strategy[float64] {
	return func(p *page) (float64, bool) {
		s := p.doc.Find(sel).First()
		if s.Length() == 0 {
			return 0, false
		}
		return parseFloat(s.Text())
	}
}

// ratingMeta 容忍 "3.9 out of 5" 这类文本。
func ratingMeta(sel string) strategy[float64] {
	return func(p *page) (float64, bool) {
		v, ok := p.doc.Find(sel).First().Attr("content")
		if !ok {
			return 0, false
		}
		return parseFloat(v)
	}
}

// --- people / taxonomy lists ---

var genreStrategies = []strategy[[]string]{
	linkTexts("div#tab-genres a[href*='/films/genre/']", longEnough(1)),
	linkTexts("a[href*='/films/genre/']", longEnough(1)),
	linkTexts(".text-slug[href*='/genre/']", longEnough(1)),
	func(p *page) ([]string, bool) {
		g := p.linked().Genres
		return g, len(g) > 0
	},
}

var directorStrategies = []strategy[[]string]{
	linkTexts("a[href*='/director/']", nil),
	linkTexts("a[href*='/person/'][title*='Director']", nil),
	func(p *page) ([]string, bool) {
		d := p.linked().Directors
		return d, len(d) > 0
	},
}

func notOverflowLink(s string) bool {
	return len([]rune(s)) > 1 && !strings.HasPrefix(s, "Show All")
}

var actorStrategies = []strategy[[]string]{
	linkTexts("div#tab-cast a, .cast-list a", notOverflowLink),
	linkTexts("a[href*='/actor/'], a[href*='/person/']", notOverflowLink),
	func(p *page) ([]string, bool) {
		a := p.linked().Actors
		return a, len(a) > 0
	},
}

var studioStrategies = []strategy[[]string]{
	linkTexts("a[href*='/films/studio/'], a[href*='/studio/']", nil),
	func(p *page) ([]string, bool) {
		c := p.linked().Companies
		return c, len(c) > 0
	},
}

var languageStrategies = []strategy[string]{
	linkText("a[href*='/films/language/'], a[href*='/language/']"),
}

var countryStrategies = []strategy[[]string]{
	linkTexts("a[href*='/films/country/'], a[href*='/country/']", func(s string) bool {
		return len([]rune(s)) > 1 && s != "Country"
	}),
	func(p *page) ([]string, bool) {
		c := p.linked().Countries
		return c, len(c) > 0
	},
}

var writerStrategies = []strategy[[]string]{
	linkTexts("a[href*='/writer/']", nil),
}

// --- description ---

var descriptionStrategies = []strategy[string]{
	linkText(".review .body-text"),
	linkText(".film-synopsis .body-text"),
	linkText(".truncate p"),
	linkText("[data-truncate] p"),
	metaContent(`meta[name="description"]`),
	metaContent(`meta[property="og:description"]`),
	func(p *page) (string, bool) {
		d := p.linked().Description
		return d, d != ""
	},
}

func metaContent(sel string) strategy[string] {
	return func(p *page) (string, bool) {
		v := normSpace(p.doc.Find(sel).First().AttrOr("content", ""))
		return v, v != ""
	}
}
