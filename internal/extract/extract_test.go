package extract

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/boxdharvest/internal/domain"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("读取 fixture 失败：%v", err)
	}
	return b
}

func TestExtract_FullPage(t *testing.T) {
	f, err := Extract(readFixture(t, "film.html"))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if f.Title != "Alien" {
		t.Fatalf("期望标题 Alien，实际 %q", f.Title)
	}
	if f.ReleaseYear == nil || *f.ReleaseYear != 1979 {
		t.Fatalf("期望年份 1979，实际 %v", f.ReleaseYear)
	}
	if f.RuntimeMinutes == nil || *f.RuntimeMinutes != 117 {
		t.Fatalf("期望时长 117，实际 %v", f.RuntimeMinutes)
	}
	if f.AverageRating == nil || *f.AverageRating != 4.27 {
		t.Fatalf("结构化数据块评分应优先，实际 %v", f.AverageRating)
	}

	checks := []struct {
		name string
		got  []string
		want []string
	}{
		{"genres", f.Genres, []string{"Horror", "Science Fiction"}},
		{"directors", f.Directors, []string{"Ridley Scott"}},
		{"actors", f.Actors, []string{"Tom Skerritt", "Sigourney Weaver", "Veronica Cartwright"}},
		{"writers", f.Writers, []string{"Dan O'Bannon", "Ronald Shusett"}},
		{"studios", f.Studios, []string{"Brandywine Productions", "20th Century Fox"}},
		{"countries", f.Countries, []string{"UK", "USA"}},
	}
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Fatalf("%s：期望 %v，实际 %v", c.name, c.want, c.got)
		}
	}

	if f.Language != "English" || f.Composer != "Jerry Goldsmith" || f.Cinematographer != "Derek Vanlint" {
		t.Fatalf("单值字段不符合预期：%+v", f)
	}
	if !strings.HasPrefix(f.Description, "During its return") {
		t.Fatalf("描述不符合预期：%q", f.Description)
	}
}

func TestExtract_MetaOnlyRating(t *testing.T) {
	html := `<html><head><title>Heat (1995) directed by Michael Mann • Letterboxd</title>
<meta name="twitter:data2" content="3.9 out of 5"></head><body><h1>Heat</h1></body></html>`
	f, err := Extract([]byte(html))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if f.AverageRating == nil || *f.AverageRating != 3.9 {
		t.Fatalf("期望评分 3.9，实际 %v", f.AverageRating)
	}
	if f.Title != "Heat" {
		t.Fatalf("期望标题 Heat，实际 %q", f.Title)
	}
	if f.ReleaseYear == nil || *f.ReleaseYear != 1995 {
		t.Fatalf("期望从 <title> 得到年份 1995，实际 %v", f.ReleaseYear)
	}
}

func TestExtract_StructuredBlockBeatsMeta(t *testing.T) {
	html := `<html><head><title>Ran • Letterboxd</title>
<meta name="twitter:data2" content="3.1 out of 5">
<script type="application/ld+json">{"@type":"Movie","name":"Ran","aggregateRating":{"ratingValue":"4.45"}}</script>
</head><body></body></html>`
	f, err := Extract([]byte(html))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if f.AverageRating == nil || *f.AverageRating != 4.45 {
		t.Fatalf("期望评分 4.45，实际 %v", f.AverageRating)
	}
}

func TestExtract_ImplausibleRatingFallsThrough(t *testing.T) {
	html := `<html><head><title>X • Letterboxd</title>
<meta name="twitter:data2" content="3.5 out of 5"></head>
<body><h1>X</h1><div data-average-rating="87"></div></body></html>`
	f, err := Extract([]byte(html))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if f.AverageRating == nil || *f.AverageRating != 3.5 {
		t.Fatalf("超出 0..5 的值应被拒绝，实际 %v", f.AverageRating)
	}
}

func TestExtract_StructureMismatch(t *testing.T) {
	for _, html := range []string{
		"",
		"<html><head><title>Just a moment...</title></head><body><div>challenge</div></body></html>",
	} {
		if _, err := Extract([]byte(html)); !errors.Is(err, ErrStructureMismatch) {
			t.Fatalf("期望 ErrStructureMismatch，实际 %v", err)
		}
	}
}

func TestExtract_TitleYearStripped(t *testing.T) {
	f, err := Extract([]byte(`<html><body><h1 class="filmtitle">Solaris (1972)</h1></body></html>`))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if f.Title != "Solaris" {
		t.Fatalf("期望 Solaris，实际 %q", f.Title)
	}
	if f.RuntimeMinutes != nil || f.AverageRating != nil {
		t.Fatalf("缺失字段应为空：%+v", f)
	}
	if f.Genres != nil && len(f.Genres) != 0 {
		t.Fatalf("缺失列表应为空：%v", f.Genres)
	}
}

func TestExtract_ListCaps(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body><h1 class=\"filmtitle\">Crowd</h1><div class=\"cast-list\">")
	for i := 0; i < 15; i++ {
		b.WriteString(`<a href="/actor/a` + string(rune('a'+i)) + `/">Actor ` + string(rune('A'+i)) + `</a>`)
	}
	b.WriteString("</div>")
	for i := 0; i < 4; i++ {
		b.WriteString(`<a href="/director/d` + string(rune('a'+i)) + `/">Director ` + string(rune('A'+i)) + `</a>`)
	}
	b.WriteString("</body></html>")

	f, err := Extract([]byte(b.String()))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(f.Actors) != domain.MaxActors || len(f.Directors) != domain.MaxDirectors {
		t.Fatalf("期望 actors=%d directors=%d，实际 %d/%d", domain.MaxActors, domain.MaxDirectors, len(f.Actors), len(f.Directors))
	}
}

func TestExtract_DescriptionTruncated(t *testing.T) {
	long := strings.Repeat("字", 600)
	f, err := Extract([]byte(`<html><body><h1>Long One</h1><div class="film-synopsis"><p class="body-text">` + long + `</p></div></body></html>`))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if got := []rune(f.Description); len(got) != domain.MaxDescriptionRunes+3 || !strings.HasSuffix(f.Description, "...") {
		t.Fatalf("描述应截断为 %d 字符 + ...，实际长度 %d", domain.MaxDescriptionRunes, len(got))
	}
}

func TestExtract_RuntimeFromISODuration(t *testing.T) {
	f, err := Extract([]byte(`<html><body><h1>Epic</h1><time class="u-slug" datetime="PT3H5M"></time></body></html>`))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if f.RuntimeMinutes == nil || *f.RuntimeMinutes != 185 {
		t.Fatalf("期望 185，实际 %v", f.RuntimeMinutes)
	}
}

func TestStrategyPanicIsContained(t *testing.T) {
	p := &page{}
	var boom strategy[string] = func(*page) (string, bool) { panic("boom") }
	var ok strategy[string] = func(*page) (string, bool) { return "fine", true }
	if got := firstOf(p, "x", nonBlank, boom, ok); got != "fine" {
		t.Fatalf("panic 策略应被跳过，实际 %q", got)
	}
}

func TestFields_Record(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	r := Fields{Title: "T"}.Record("https://letterboxd.com/film/t/", now)
	if r.ScrapeStatus != domain.ScrapeStatusSuccess || r.Genres == nil || r.LastScraped.Location() != time.UTC {
		t.Fatalf("记录不符合预期：%+v", r)
	}
}
