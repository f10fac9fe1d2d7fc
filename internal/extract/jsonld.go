package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	json "github.com/goccy/go-json"
)

// linkedData 是详情页内嵌的 schema.org 结构化数据块中我们关心的部分。
type linkedData struct {
	Name        string
	Description string
	Year        int
	Genres      []string
	Directors   []string
	Actors      []string
	Companies   []string
	Countries   []string
	Rating      *float64
}

type rawLinkedData struct {
	Type              json.RawMessage   `json:"@type"`
	Graph             []json.RawMessage `json:"@graph"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Genre             json.RawMessage   `json:"genre"`
	Director          json.RawMessage   `json:"director"`
	Actors            json.RawMessage   `json:"actors"`
	Actor             json.RawMessage   `json:"actor"`
	ProductionCompany json.RawMessage   `json:"productionCompany"`
	CountryOfOrigin   json.RawMessage   `json:"countryOfOrigin"`
	ReleasedEvent     json.RawMessage   `json:"releasedEvent"`
	AggregateRating   *struct {
		RatingValue json.RawMessage `json:"ratingValue"`
	} `json:"aggregateRating"`
}

var (
	cdataOpenRE  = regexp.MustCompile(`(?:/\*\s*)?<!\[CDATA\[(?:\s*\*/)?`)
	cdataCloseRE = regexp.MustCompile(`(?:/\*\s*)?\]\]>(?:\s*\*/)?`)
	yearRE       = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2}|2100)\b`)
)

// parseLinkedData 取第一个 @type 为 Movie 的块；没有 Movie 时退化为第一个带 name 的块。
func parseLinkedData(doc *goquery.Document) linkedData {
	var candidates []rawLinkedData
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		body := cdataCloseRE.ReplaceAllString(cdataOpenRE.ReplaceAllString(s.Text(), ""), "")
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		candidates = append(candidates, decodeLinkedData([]byte(body))...)
	})

	var pick *rawLinkedData
	for i := range candidates {
		if isMovie(candidates[i].Type) {
			pick = &candidates[i]
			break
		}
		if pick == nil && candidates[i].Name != "" {
			pick = &candidates[i]
		}
	}
	if pick == nil {
		return linkedData{}
	}
	return pick.flatten()
}

func decodeLinkedData(b []byte) []rawLinkedData {
	if len(b) > 0 && b[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(b, &arr); err != nil {
			return nil
		}
		var out []rawLinkedData
		for _, a := range arr {
			out = append(out, decodeLinkedData(a)...)
		}
		return out
	}
	var r rawLinkedData
	if err := json.Unmarshal(b, &r); err != nil {
		return nil
	}
	out := []rawLinkedData{r}
	for _, g := range r.Graph {
		out = append(out, decodeLinkedData(g)...)
	}
	return out
}

func isMovie(raw json.RawMessage) bool {
	for _, t := range names(raw) {
		if strings.EqualFold(t, "Movie") {
			return true
		}
	}
	return false
}

func (r rawLinkedData) flatten() linkedData {
	ld := linkedData{
		Name:        normSpace(r.Name),
		Description: normSpace(r.Description),
		Genres:      uniq(names(r.Genre), nil),
		Directors:   uniq(names(r.Director), nil),
		Actors:      uniq(append(names(r.Actors), names(r.Actor)...), nil),
		Companies:   uniq(names(r.ProductionCompany), nil),
		Countries:   uniq(names(r.CountryOfOrigin), nil),
	}
	for _, d := range field(r.ReleasedEvent, "startDate") {
		if m := yearRE.FindStringSubmatch(d); len(m) == 2 {
			ld.Year, _ = strconv.Atoi(m[1])
			break
		}
	}
	if r.AggregateRating != nil {
		if v, ok := number(r.AggregateRating.RatingValue); ok {
			ld.Rating = &v
		}
	}
	return ld
}

// names 接受 "x" / ["x"] / {"name":"x"} / [{"name":"x"}] 四种形态。
func names(raw json.RawMessage) []string { return field(raw, "name") }

func field(raw json.RawMessage, key string) []string {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return []string{s}
		}
	case '{':
		var m map[string]json.RawMessage
		if json.Unmarshal(raw, &m) == nil {
			var s string
			if v, ok := m[key]; ok && json.Unmarshal(v, &s) == nil {
				return []string{s}
			}
		}
	case '[':
		var arr []json.RawMessage
		if json.Unmarshal(raw, &arr) == nil {
			var out []string
			for _, a := range arr {
				out = append(out, field(a, key)...)
			}
			return out
		}
	}
	return nil
}

// number 接受 4.27 或 "4.27"。
func number(raw json.RawMessage) (float64, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
