package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/boxdharvest/internal/api"
	"github.com/John-Robertt/boxdharvest/internal/app/run"
	"github.com/John-Robertt/boxdharvest/internal/config"
	"github.com/John-Robertt/boxdharvest/internal/domain"
	"github.com/John-Robertt/boxdharvest/internal/extract"
	"github.com/John-Robertt/boxdharvest/internal/infra/cache"
	"github.com/John-Robertt/boxdharvest/internal/logging"
	"github.com/John-Robertt/boxdharvest/internal/recommend"
	"github.com/John-Robertt/boxdharvest/internal/report"
	"github.com/John-Robertt/boxdharvest/internal/slug"
	"github.com/John-Robertt/boxdharvest/internal/store"
)

func main() {
	// SIGINT/SIGTERM -> ctx 取消：run 层停止派发、等待在途任务，然后照常落盘。
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// exitError 携带进程退出码；输出已由命令自己完成。
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

// execute 构造并执行根命令，返回进程退出码（0 成功；1 有失败条目或运行错误；2 参数错误）。
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(stderr, "参数错误：%v\n", err)
	return 2
}

// globalFlags 是所有子命令共享的参数。
type globalFlags struct {
	configPath string
	outDir     string
	logLevel   string
}

type scrapeFlags struct {
	mode        string
	workers     int
	backend     string
	maxPages    int
	maxFilms    int
	retryFailed bool
	rescrape    bool
	noCache     bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "boxdharvest",
		Short:         "抓取 Letterboxd 用户的已看影片并增量维护本地记录",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "配置文件路径（默认尝试 ./"+config.DefaultFileName+"）")
	root.PersistentFlags().StringVar(&g.outDir, "out", "", "输出目录（默认当前目录）")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "日志级别：trace|debug|info|warn|error|disabled")

	root.AddCommand(
		newScrapeCmd(&g, stdout, stderr),
		newStatsCmd(&g, stdout, stderr),
		newRecommendCmd(&g, stdout, stderr),
		newExtractCmd(&g, stdout, stderr),
		newServeCmd(&g, stderr),
	)
	return root
}

func newScrapeCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var f scrapeFlags
	cmd := &cobra.Command{
		Use:   "scrape <username>",
		Short: "扫描片单并抓取新影片的详情页",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, g, f, args[0], stdout, stderr)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.mode, "mode", "", "调度模式：parallel|sequential")
	fs.IntVar(&f.workers, "workers", 0, "并行模式下的 worker 数（1..32）")
	fs.StringVar(&f.backend, "backend", "", "首选 backend：pooled|adhoc|http（其余按默认顺序降级）")
	fs.IntVar(&f.maxPages, "max-pages", 0, "片单最多扫描的页数（0 不限制）")
	fs.IntVar(&f.maxFilms, "max-films", 0, "本次最多抓取的影片数（0 不限制）")
	fs.BoolVar(&f.retryFailed, "retry-failed", false, "重抓已有的失败记录")
	fs.BoolVar(&f.rescrape, "rescrape", false, "重抓片单内的全部影片")
	fs.BoolVar(&f.noCache, "no-cache", false, "不写入详情页 HTML 缓存")
	return cmd
}

func runScrape(cmd *cobra.Command, g *globalFlags, f scrapeFlags, username string, stdout, stderr io.Writer) error {
	fs := cmd.Flags()
	cli := cliArgs(cmd, g)
	cli.Mode, cli.ModeSet = f.mode, fs.Changed("mode")
	cli.Workers, cli.WorkersSet = f.workers, fs.Changed("workers")
	cli.Backend, cli.BackendSet = f.backend, fs.Changed("backend")
	cli.MaxPages, cli.MaxPagesSet = f.maxPages, fs.Changed("max-pages")
	cli.MaxFilms, cli.MaxFilmsSet = f.maxFilms, fs.Changed("max-films")
	cli.RetryFailed, cli.RetryFailedSet = f.retryFailed, fs.Changed("retry-failed")
	cli.Rescrape, cli.RescrapeSet = f.rescrape, fs.Changed("rescrape")
	cli.NoCache, cli.NoCacheSet = f.noCache, fs.Changed("no-cache")

	eff, err := loadConfig(cli, stderr)
	if err != nil {
		emitReport(stdout, stderr, reportForConfigError(username, err))
		return exitError{1}
	}

	reg, err := buildRegistry(eff)
	if err != nil {
		fmt.Fprintf(stderr, "初始化 backend 失败：%v\n", err)
		return exitError{1}
	}
	defer func() {
		if err := reg.Close(); err != nil {
			fmt.Fprintf(stderr, "关闭 backend 失败：%v\n", err)
		}
	}()

	progressW, interactive := pickProgressWriter(stdout, stderr)
	var obs run.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	rr := run.ExecuteWithObserver(cmd.Context(), eff, username, reg, obs)

	paths := store.Paths(eff.OutDir, username)
	if err := store.WriteJSON(paths.Report, rr); err != nil {
		fmt.Fprintf(stderr, "写入报告失败：%v\n", err)
	}

	emitReport(stdout, stderr, rr)
	if rr.Summary.Failed == 0 && !rr.Interrupted {
		return nil
	}
	return exitError{1}
}

func newStatsCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var (
		topN   int
		charts bool
	)
	cmd := &cobra.Command{
		Use:   "stats <username>",
		Short: "汇总已保存记录的统计信息",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			eff, err := loadConfig(cliArgs(cmd, g), stderr)
			if err != nil {
				fmt.Fprintf(stderr, "配置错误：%v\n", err)
				return exitError{1}
			}
			recs, err := loadRecords(eff, username)
			if err != nil {
				fmt.Fprintf(stderr, "%v\n", err)
				return exitError{1}
			}
			if charts {
				return encodeJSON(stdout, report.BuildCharts(recs))
			}

			s := report.Summarize(recs, topN)
			if listing, err := store.LoadListing(store.Paths(eff.OutDir, username).Listing); err == nil {
				s.Listed = len(listing)
			}
			if isTTY(stdout) {
				if err := report.WriteText(stdout, username, s); err != nil {
					return exitError{1}
				}
				return nil
			}
			return encodeJSON(stdout, s)
		},
	}
	cmd.Flags().IntVar(&topN, "top", report.DefaultTopN, "top 列表长度")
	cmd.Flags().BoolVar(&charts, "charts", false, "输出图表序列（评分/年份/片长/类型）的 JSON")
	return cmd
}

func newRecommendCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var (
		candidatesPath string
		topN           int
		minRating      float64
	)
	cmd := &cobra.Command{
		Use:   "recommend <username>",
		Short: "按口味画像给候选影片打分",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username := args[0]
			eff, err := loadConfig(cliArgs(cmd, g), stderr)
			if err != nil {
				fmt.Fprintf(stderr, "配置错误：%v\n", err)
				return exitError{1}
			}
			rated, err := loadRecords(eff, username)
			if err != nil {
				fmt.Fprintf(stderr, "%v\n", err)
				return exitError{1}
			}
			candidates, err := loadCandidates(candidatesPath)
			if err != nil {
				fmt.Fprintf(stderr, "读取候选失败：%v\n", err)
				return exitError{1}
			}

			recs := recommend.NewContentScorer().Score(cmd.Context(), rated, candidates, recommend.Prefs{
				TopN:             topN,
				MinAverageRating: minRating,
			})
			if isTTY(stdout) {
				writeRecommendations(stdout, recs)
				return nil
			}
			return encodeJSON(stdout, recs)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&candidatesPath, "candidates", "", "候选影片 JSON 文件（精简或完整记录格式）")
	fs.IntVar(&topN, "top", recommend.DefaultTopN, "返回条数")
	fs.Float64Var(&minRating, "min-rating", 0, "候选的最低站点均分（0 不过滤）")
	_ = cmd.MarkFlagRequired("candidates")
	return cmd
}

// serveGrace 是服务关闭时等待在途抓取排空落盘的上限。
const serveGrace = 2 * time.Minute

func newServeCmd(g *globalFlags, stderr io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 接口（抓取、推荐、图表数据）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli := cliArgs(cmd, g)
			cli.Addr, cli.AddrSet = addr, cmd.Flags().Changed("addr")
			eff, err := loadConfig(cli, stderr)
			if err != nil {
				fmt.Fprintf(stderr, "配置错误：%v\n", err)
				return exitError{1}
			}
			reg, err := buildRegistry(eff)
			if err != nil {
				fmt.Fprintf(stderr, "初始化 backend 失败：%v\n", err)
				return exitError{1}
			}
			defer func() {
				if err := reg.Close(); err != nil {
					fmt.Fprintf(stderr, "关闭 backend 失败：%v\n", err)
				}
			}()

			fmt.Fprintf(stderr, "监听 %s\n", eff.Server.Addr)
			if err := api.New(eff, reg).ListenAndServe(cmd.Context(), serveGrace); err != nil {
				fmt.Fprintf(stderr, "服务异常退出：%v\n", err)
				return exitError{1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "监听地址（默认 "+config.DefaultServerAddr+"）")
	return cmd
}

func newExtractCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var (
		pageURL string
		cached  string
	)
	cmd := &cobra.Command{
		Use:   "extract [file.html]",
		Short: "从保存的详情页 HTML 离线提取一条记录（排查站点结构变化）",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				b   []byte
				err error
			)
			switch {
			case len(args) == 1:
				b, err = os.ReadFile(args[0])
			case cached != "":
				b, pageURL, err = readCachedPage(cmd, g, cached, pageURL, stderr)
			default:
				return errors.New("需要 HTML 文件路径或 --cached <slug>")
			}
			if err != nil {
				fmt.Fprintf(stderr, "读取页面失败：%v\n", err)
				return exitError{1}
			}

			fields, err := extract.Extract(b)
			if err != nil {
				fmt.Fprintf(stderr, "解析失败：%v\n", err)
				return exitError{1}
			}
			return encodeJSON(stdout, fields.Record(pageURL, time.Now()))
		},
	}
	cmd.Flags().StringVar(&pageURL, "url", "", "写入记录的影片 URL")
	cmd.Flags().StringVar(&cached, "cached", "", "从 <out>/cache/pages/<slug>.html 读取（scrape 时需开启 cache.enabled）")
	return cmd
}

// readCachedPage 从页面缓存读取某个 slug 的 HTML（只读打开缓存）；未指定 URL 时按 base_url 补全。
func readCachedPage(cmd *cobra.Command, g *globalFlags, filmSlug, pageURL string, stderr io.Writer) ([]byte, string, error) {
	eff, err := loadConfig(cliArgs(cmd, g), stderr)
	if err != nil {
		return nil, pageURL, err
	}
	b, ok, err := cache.New(eff.OutDir, true).ReadPageHTML(filmSlug)
	if err != nil {
		return nil, pageURL, err
	}
	if !ok {
		return nil, pageURL, fmt.Errorf("缓存中没有 %q", filmSlug)
	}
	if pageURL == "" {
		pageURL = slug.Resolve(eff.BaseURL, "/film/"+filmSlug+"/")
	}
	return b, pageURL, nil
}

func cliArgs(cmd *cobra.Command, g *globalFlags) config.CLIArgs {
	fs := cmd.Flags()
	return config.CLIArgs{
		ConfigPath:  g.configPath,
		OutDir:      g.outDir,
		OutDirSet:   fs.Changed("out"),
		LogLevel:    g.logLevel,
		LogLevelSet: fs.Changed("log-level"),
	}
}

// loadConfig 读取生效配置并初始化日志（日志固定写 stderr）。
func loadConfig(cli config.CLIArgs, stderr io.Writer) (config.EffectiveConfig, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.EffectiveConfig{}, fmt.Errorf("读取当前目录失败：%w", err)
	}
	eff, err := config.LoadEffective(cwd, cli)
	if err != nil {
		return config.EffectiveConfig{}, err
	}
	logging.Init(logging.Config{Level: eff.Log.Level, Format: eff.Log.Format, Output: stderr})
	return eff, nil
}

func loadRecords(eff config.EffectiveConfig, username string) ([]domain.FilmRecord, error) {
	path := store.Paths(eff.OutDir, username).Detailed
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("未找到 %s 的记录（%s）：请先运行 scrape", username, path)
	}
	return store.FileStore{}.Load(path)
}

// loadCandidates 读取候选文件；精简/完整两种格式都按精简投影解析（打分只需要其中的字段）。
func loadCandidates(path string) ([]domain.FilmRecord, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	ms, err := store.LoadMinimal(path)
	if err != nil {
		return nil, err
	}
	return recommend.FromMinimal(ms), nil
}

func writeRecommendations(w io.Writer, recs []recommend.Recommendation) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "没有可推荐的候选影片")
		return
	}
	for i, r := range recs {
		year := ""
		if r.ReleaseYear != nil {
			year = fmt.Sprintf(" (%d)", *r.ReleaseYear)
		}
		fmt.Fprintf(w, "%2d. %s%s  score=%.3f\n", i+1, r.Title, year, r.Score)
		for _, reason := range r.Reasons {
			fmt.Fprintf(w, "      - %s\n", reason)
		}
	}
}

func emitReport(stdout, stderr io.Writer, rr domain.RunReport) {
	summary := fmt.Sprintf("完成：discovered=%d stored=%d scraped=%d failed=%d skipped=%d interrupted=%t\n",
		rr.Discovered, rr.Stored, rr.Summary.Scraped, rr.Summary.Failed, rr.Summary.Skipped, rr.Interrupted,
	)
	if isTTY(stdout) {
		fmt.Fprint(stdout, summary)
		for _, it := range rr.Items {
			if it.Status != domain.StatusFailed {
				continue
			}
			key := it.URL
			if key == "" {
				key = "<run>"
			}
			fmt.Fprintf(stderr, "%s %s: %s\n", key, it.ErrorCode, it.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	_ = json.NewEncoder(stdout).Encode(rr)
	fmt.Fprint(stderr, summary)
}

func reportForConfigError(username string, err error) domain.RunReport {
	cwd, _ := os.Getwd()
	cwdAbs, _ := filepath.Abs(cwd)
	now := time.Now()

	code := config.Code(err)
	if code == "" {
		code = domain.ErrCodeConfigInvalid
	}
	rr := domain.NewRunReport(username, cwdAbs, now)
	rr.FinishedAt = now
	rr.Items = append(rr.Items, domain.ItemResult{
		Status:    domain.StatusFailed,
		ErrorCode: code,
		ErrorMsg:  err.Error(),
		Attempts:  []domain.Attempt{},
	})
	rr.Finalize()
	return rr
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if isTTY(w) {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return exitError{1}
	}
	return nil
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter(stdout, stderr io.Writer) (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(stderr) {
		return stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(stdout) {
		return stdout, true
	}
	return nil, false
}
