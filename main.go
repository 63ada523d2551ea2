package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/spf13/cobra"

	"auditview/outputformats"
	"auditview/types"
)

const (
	shutdownDeadline = 5 * time.Second
	housekeepPeriod  = 1 * time.Second
)

func main() {
	var (
		configPath    string
		checkOnly     bool
		logLevel      string
		showTimestamp bool
	)

	rootCmd := &cobra.Command{
		Use:   "auditview",
		Short: "Audit event transformer",
		Long: `auditview consumes the kernel audit record stream, coalesces records
into events, enriches them with process-tree context, applies label and
filter rules, and emits one JSON document per event to a rotating log.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := NewLogger(ParseLogLevel(logLevel), showTimestamp)
			if checkOnly {
				if _, err := cfg.CompileLabelRules(); err != nil {
					return err
				}
				if _, err := cfg.CompileFilter(); err != nil {
					return err
				}
				fmt.Println("configuration OK")
				return nil
			}
			return run(cfg, logger)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the TOML configuration file")
	rootCmd.Flags().BoolVar(&checkOnly, "check", false, "Parse the configuration, compile all rule sets, and exit")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Console log level (error, warning, info, debug, trace)")
	rootCmd.PersistentFlags().BoolVar(&showTimestamp, "log-timestamp", false, "Show timestamps in console logs")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Processor owns all pipeline state. Everything below the input channel
// runs on one goroutine, so no locking is needed anywhere in the path.
type Processor struct {
	cfg       *Config
	logger    *Logger
	parser    *Parser
	coalescer *Coalescer
	table     *ProcTable
	enricher  *Enricher
	sink      *Sink
	filterlog *Sink
	errlog    outputformats.LineWriter
	sigma     *SigmaEngine

	parseErrSeen uint64
	fatal        error
}

func run(cfg *Config, logger *Logger) error {
	rules, err := cfg.CompileLabelRules()
	if err != nil {
		return err
	}
	filter, err := cfg.CompileFilter()
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()

	var userDB *UserDB
	if cfg.Translate.UserDB || cfg.Enrich.UserGroups {
		userDB, err = NewUserDB(logger)
		if err != nil {
			return fmt.Errorf("user database: %w", err)
		}
		defer userDB.Close()
	}
	var translator *Translator
	if cfg.Translate.Universal || cfg.Translate.UserDB {
		var db *UserDB
		if cfg.Translate.UserDB {
			db = userDB
		}
		translator = NewTranslator(cfg.Translate.Universal, db, cfg.Translate.DropRaw)
	}

	now := time.Now()
	table := NewProcTable(rules, cfg.GraceWindow(), logger)
	statePath := cfg.pathFor(cfg.State.File)
	if statePath != "" {
		maxAge := time.Duration(cfg.State.MaxAge) * time.Second
		if err := LoadState(statePath, maxAge, table, now); err != nil {
			logger.Warning("state", "%v", err)
		}
	}
	if table.Len() == 0 {
		if err := table.InitFromProc(now); err != nil {
			logger.Warning("process", "cannot seed from /proc: %v", err)
		}
	}

	auditWriter, err := cfg.openLog(cfg.Auditlog)
	if err != nil {
		return err
	}
	sink := NewSink(auditWriter, hostname, logger)
	defer sink.Close()

	var filterlog *Sink
	if cfg.Filter.FilterAction == "log" && cfg.Filterlog.File != "" {
		w, err := cfg.openLog(cfg.Filterlog)
		if err != nil {
			return err
		}
		filterlog = NewSink(w, hostname, logger)
		defer filterlog.Close()
	}

	var errlog outputformats.LineWriter
	if cfg.Debug.ParseErrorLog.File != "" {
		errlog, err = cfg.openLog(cfg.Debug.ParseErrorLog)
		if err != nil {
			return err
		}
		defer errlog.Close()
	}

	p := &Processor{
		cfg:       cfg,
		logger:    logger,
		parser:    NewParser(logger),
		table:     table,
		sink:      sink,
		filterlog: filterlog,
		errlog:    errlog,
	}
	p.enricher = NewEnricher(cfg, translator, table, filter, userDB, logger)
	p.coalescer = NewCoalescer(defaultMaxAge, defaultMaxLookback, p.handleEvent, logger)

	if cfg.Detect.Rules != "" {
		detectWriter, err := cfg.openLog(LogfileConfig{
			File:        cfg.Detect.File,
			Size:        cfg.Auditlog.Size,
			Generations: cfg.Auditlog.Generations,
		})
		if err != nil {
			return err
		}
		detectSink := NewSink(detectWriter, hostname, logger)
		p.sigma, err = NewSigmaEngine(cfg.Detect.Rules, cfg.Detect.QueueSize, detectSink, logger)
		if err != nil {
			return fmt.Errorf("sigma detection: %w", err)
		}
		defer p.sigma.Close()
	}

	src, err := OpenInput(cfg.Input)
	if err != nil {
		return err
	}
	reader := NewInputReader(src, defaultMaxLineBytes, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go reader.Run(ctx)

	if cfg.Marker != "" {
		doc := ordereddict.NewDict()
		doc.Set("MARKER", cfg.Marker)
		if err := sink.EmitDocument(doc); err != nil {
			return err
		}
	}

	logger.Info("main", "reading audit records from %s", cfg.Input)
	p.loop(ctx, reader)

	logger.Info("main", "shutting down")
	p.coalescer.FlushAll()
	if statePath != "" {
		if err := SaveState(statePath, cfg.State.Generations, table); err != nil {
			logger.Error("state", "persisting process table: %v", err)
		}
	}
	reader.Close()
	if p.fatal != nil {
		return p.fatal
	}
	return nil
}

// loop is the straight-line processing loop: a single select over input
// lines, the housekeeping timer, the status-report timer, and shutdown.
func (p *Processor) loop(ctx context.Context, reader *InputReader) {
	housekeeping := time.NewTicker(housekeepPeriod)
	defer housekeeping.Stop()

	var statusCh <-chan time.Time
	if p.cfg.StatusreportPeriod > 0 {
		statusTicker := time.NewTicker(time.Duration(p.cfg.StatusreportPeriod) * time.Second)
		defer statusTicker.Stop()
		statusCh = statusTicker.C
	}

	for {
		select {
		case line, ok := <-reader.Lines():
			if !ok {
				return
			}
			p.handleLine(line)
			if p.fatal != nil {
				return
			}
		case <-housekeeping.C:
			now := time.Now()
			p.coalescer.Tick(now)
			p.table.Expire(now)
		case <-statusCh:
			p.emitStatusReport()
		case <-ctx.Done():
			p.drain(reader)
			return
		}
	}
}

// drain consumes whatever the reader already buffered, bounded by the
// shutdown deadline.
func (p *Processor) drain(reader *InputReader) {
	deadline := time.After(shutdownDeadline)
	for {
		select {
		case line, ok := <-reader.Lines():
			if !ok {
				return
			}
			p.handleLine(line)
			if p.fatal != nil {
				return
			}
		case <-deadline:
			p.logger.Warning("main", "shutdown deadline reached with input pending")
			return
		default:
			return
		}
	}
}

func (p *Processor) handleLine(line []byte) {
	rec, err := p.parser.Parse(line)
	if err != nil {
		parseErrorsTotal.Inc()
		p.sampleParseError(line, err)
	}
	recordsTotal.WithLabelValues(rec.Type.Name).Inc()

	if rec.ID.IsZero() {
		// no event id to coalesce on; emit as a standalone event so the
		// line is never lost
		ev := &types.Event{Records: []types.Record{rec}, ParseError: true}
		p.handleEvent(ev)
		return
	}
	p.coalescer.Feed(rec, time.Now())
}

// sampleParseError writes a sample of malformed lines to the parse-error
// log: the first few always, then every hundredth.
func (p *Processor) sampleParseError(line []byte, err error) {
	p.parseErrSeen++
	if p.errlog == nil {
		return
	}
	if p.parseErrSeen > 10 && p.parseErrSeen%100 != 0 {
		return
	}
	msg := append([]byte(err.Error()+" | "), line...)
	if werr := p.errlog.WriteLine(msg); werr != nil {
		p.logger.Warning("parse-error-log", "%v", werr)
	}
}

// handleEvent is the coalescer's emission callback: enrichment, filter
// decision, detection hand-off, sink write.
func (p *Processor) handleEvent(ev *types.Event) {
	now := time.Now()
	enriched := p.enricher.Process(ev, now)

	if p.sigma != nil {
		if det := BuildDetectionEvent(ev, enriched.Subject, EventSyscall(ev)); det != nil {
			p.sigma.Submit(*det)
		}
	}

	if enriched.Dropped {
		p.logger.Trace("filter", "event %s dropped (%s)", ev.ID, enriched.Reason)
		if p.filterlog != nil {
			if err := p.filterlog.Emit(ev, enriched.Blocks); err != nil {
				p.logger.Warning("filterlog", "%v", err)
			}
		}
		return
	}

	if err := p.sink.Emit(ev, enriched.Blocks); err != nil {
		p.logger.Error("sink", "%v", err)
		p.fatal = err
	}
}

// emitStatusReport writes the counter summary as one JSON line into the
// audit log.
func (p *Processor) emitStatusReport() {
	doc := ordereddict.NewDict()
	status := ordereddict.NewDict()
	status.Set("time", time.Now().Format(time.RFC3339))
	status.Set("processes", p.table.Len())
	status.Set("pending_events", p.coalescer.Pending())
	for name, val := range gatherCounters() {
		status.Set(name, int64(val))
	}
	doc.Set("STATUS_REPORT", status)
	if err := p.sink.EmitDocument(doc); err != nil {
		p.logger.Warning("status", "%v", err)
	}
}

// pathFor resolves a configured file name against the working directory.
func (c *Config) pathFor(name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Directory, name)
}

// openLog builds the writer for one [auditlog]-shaped section. An empty
// file name or "-" means stdout.
func (c *Config) openLog(lc LogfileConfig) (outputformats.LineWriter, error) {
	if lc.File == "" || lc.File == "-" {
		return outputformats.NewStreamWriter(os.Stdout, lc.LinePrefix), nil
	}
	return outputformats.NewFileWriter(c.pathFor(lc.File), lc.Size, lc.Generations, lc.LinePrefix)
}
