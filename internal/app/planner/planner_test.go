package planner

import (
	"reflect"
	"testing"
	"time"

	"github.com/John-Robertt/boxdharvest/internal/domain"
)

func entries(urls ...string) []domain.ListingEntry {
	out := make([]domain.ListingEntry, 0, len(urls))
	for _, u := range urls {
		out = append(out, domain.ListingEntry{URL: u, Title: u})
	}
	return out
}

func stored() []domain.FilmRecord {
	ok := domain.FilmRecord{URL: "https://letterboxd.com/film/a/", Title: "A", ScrapeStatus: domain.ScrapeStatusSuccess}
	bad := domain.NewFailedRecord("https://letterboxd.com/film/b/", "B", domain.ReasonInvalidPage, time.Now())
	return []domain.FilmRecord{ok, bad}
}

func TestBuild_DefaultSkipsStoredIncludingFailed(t *testing.T) {
	p := Build(entries(
		"https://letterboxd.com/film/a/",
		"https://letterboxd.com/film/B",
		"https://letterboxd.com/film/c/",
	), stored(), Policy{})

	if !reflect.DeepEqual(p.URLs(), []string{"https://letterboxd.com/film/c/"}) {
		t.Fatalf("期望只抓取新 URL，实际 %v", p.URLs())
	}
	if p.Resolved != 2 || p.Jobs[0].Reason != ReasonNew {
		t.Fatalf("计划不符合预期：%+v", p)
	}
}

func TestBuild_RetryFailed(t *testing.T) {
	p := Build(entries("https://letterboxd.com/film/a/", "https://letterboxd.com/film/b/"), stored(), Policy{RetryFailed: true})
	if len(p.Jobs) != 1 || p.Jobs[0].Reason != ReasonRetry || p.Jobs[0].URL != "https://letterboxd.com/film/b/" {
		t.Fatalf("期望只重抓失败记录，实际 %+v", p.Jobs)
	}
}

func TestBuild_RescrapeAllAndMaxFilms(t *testing.T) {
	p := Build(entries(
		"https://letterboxd.com/film/a/",
		"https://letterboxd.com/film/b/",
		"https://letterboxd.com/film/c/",
		"https://letterboxd.com/film/c",
	), stored(), Policy{RescrapeAll: true, MaxFilms: 2})

	if len(p.Jobs) != 2 || p.Deferred != 1 {
		t.Fatalf("期望 2 个任务 + 1 个推迟，实际 %+v", p)
	}
	if p.Jobs[0].Reason != ReasonRescrape {
		t.Fatalf("期望 rescrape，实际 %q", p.Jobs[0].Reason)
	}
}
