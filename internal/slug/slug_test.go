package slug

import (
	"errors"
	"testing"
)

func TestNormalizeFilmURL_Variants(t *testing.T) {
	want := "https://letterboxd.com/film/some-movie/"
	for _, in := range []string{
		"https://letterboxd.com/film/some-movie/",
		"https://letterboxd.com/film/some-movie",
		"https://Letterboxd.com/film/Some-Movie/",
		"HTTPS://letterboxd.com/film/some-movie/?ref=x#top",
		"https://letterboxd.com/alice/film/some-movie/",
		"  https://letterboxd.com/film/some-movie/  ",
	} {
		got, err := NormalizeFilmURL(in)
		if err != nil {
			t.Fatalf("%q 不期望错误：%v", in, err)
		}
		if got != want {
			t.Fatalf("%q 期望 %q，实际 %q", in, want, got)
		}
	}
}

func TestNormalizeFilmURL_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "letterboxd.com/film/x/", "ftp://x/film/y/", "https://"} {
		_, err := NormalizeFilmURL(in)
		if !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("%q 期望 ErrInvalidURL，实际 %v", in, err)
		}
		if Valid(in) {
			t.Fatalf("%q 不应被判定为有效", in)
		}
	}
}

func TestTitleFromURL(t *testing.T) {
	cases := map[string]string{
		"https://letterboxd.com/film/some-movie/":          "Some Movie",
		"https://letterboxd.com/film/2001-a-space-odyssey/": "2001 A Space Odyssey",
		"https://letterboxd.com/film/parasite-2019":        "Parasite 2019",
		"":                                                 "Unknown Title",
	}
	for in, want := range cases {
		if got := TitleFromURL(in); got != want {
			t.Fatalf("%q 期望 %q，实际 %q", in, want, got)
		}
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("https://letterboxd.com/alice/films/", "/film/heat-1995/"); got != "https://letterboxd.com/film/heat-1995/" {
		t.Fatalf("相对路径解析错误：%q", got)
	}
	if got := Resolve("https://letterboxd.com/", "https://example.com/film/x/"); got != "https://example.com/film/x/" {
		t.Fatalf("绝对路径应原样返回：%q", got)
	}
	if got := Resolve("not a base", "/film/x/"); got != "" {
		t.Fatalf("base 无效时应返回空串：%q", got)
	}
}
