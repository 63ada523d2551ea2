// sigma.go
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Velocidex/ordereddict"
	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"

	"auditview/types"
)

// DetectionEvent is the flattened view of one enriched audit event that
// sigma rules are evaluated against.
type DetectionEvent struct {
	EventID   string
	Timestamp time.Time
	Data      map[string]interface{}
}

// SigmaEngine evaluates process-creation sigma rules against enriched
// events on its own queue and worker, so detection latency never stalls
// the event pipeline. Rule files are watched and reloaded on change.
type SigmaEngine struct {
	rulesDir   string
	evaluators map[string]*evaluator.RuleEvaluator
	watcher    *fsnotify.Watcher
	mu         sync.RWMutex

	eventChan chan DetectionEvent
	queueSize int
	dropCount atomic.Int64
	running   atomic.Bool

	sink   *Sink
	logger *Logger
}

func NewSigmaEngine(rulesDir string, queueSize int, sink *Sink, logger *Logger) (*SigmaEngine, error) {
	if queueSize <= 0 {
		queueSize = 10000
	}
	if _, err := os.Stat(rulesDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("sigma rules directory %q does not exist", rulesDir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	engine := &SigmaEngine{
		rulesDir:   rulesDir,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		watcher:    watcher,
		eventChan:  make(chan DetectionEvent, queueSize),
		queueSize:  queueSize,
		sink:       sink,
		logger:     logger,
	}

	if err := engine.loadAllRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}
	if err := engine.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to setup watcher: %v", err)
	}

	engine.running.Store(true)
	go engine.processEvents()
	logger.Info("sigma", "detection enabled, %d rules from %s", len(engine.evaluators), rulesDir)
	return engine, nil
}

func (se *SigmaEngine) processEvents() {
	for se.running.Load() {
		select {
		case evt, ok := <-se.eventChan:
			if !ok {
				return
			}
			se.handleEvent(evt)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (se *SigmaEngine) handleEvent(evt DetectionEvent) {
	se.mu.RLock()
	defer se.mu.RUnlock()

	for _, ev := range se.evaluators {
		result, err := ev.Matches(context.Background(), evt.Data)
		if err != nil {
			se.logger.Debug("sigma", "error evaluating rule %s: %v", ev.Rule.ID, err)
			continue
		}
		if !result.Match {
			continue
		}

		doc := ordereddict.NewDict()
		doc.Set("EVENT_ID", evt.EventID)
		doc.Set("TIME", evt.Timestamp.Format(time.RFC3339Nano))
		doc.Set("RULE_ID", ev.Rule.ID)
		doc.Set("RULE", ev.Rule.Title)
		doc.Set("LEVEL", ev.Rule.Level)
		if ev.Rule.Description != "" {
			doc.Set("DESCRIPTION", ev.Rule.Description)
		}
		if len(ev.Rule.Tags) > 0 {
			doc.Set("TAGS", ev.Rule.Tags)
		}
		if img, ok := evt.Data["Image"]; ok {
			doc.Set("IMAGE", img)
		}
		if cl, ok := evt.Data["CommandLine"]; ok {
			doc.Set("COMMAND_LINE", cl)
		}
		se.logger.Info("sigma", "rule match: %s (event %s)", ev.Rule.Title, evt.EventID)
		if err := se.sink.EmitDocument(doc); err != nil {
			se.logger.Error("sigma", "writing match: %v", err)
		}
	}
}

func (se *SigmaEngine) Close() error {
	se.running.Store(false)
	close(se.eventChan)
	if se.watcher != nil {
		return se.watcher.Close()
	}
	return nil
}

// Submit queues one event for detection; a full queue drops the event and
// counts it rather than blocking the pipeline.
func (se *SigmaEngine) Submit(evt DetectionEvent) {
	select {
	case se.eventChan <- evt:
	default:
		se.dropCount.Add(1)
		if se.dropCount.Load()%1000 == 0 {
			se.logger.Warning("sigma", "dropped %d detection events due to full queue", se.dropCount.Load())
		}
	}
}

// BuildDetectionEvent flattens an enriched event into sigma's
// process-creation field vocabulary.
func BuildDetectionEvent(ev *types.Event, subject *types.Process, syscallName string) *DetectionEvent {
	sc := ev.First("SYSCALL")
	if sc == nil {
		return nil
	}
	data := map[string]interface{}{
		"ProcessId":       numField(sc, "pid"),
		"ParentProcessId": numField(sc, "ppid"),
		"SyscallName":     syscallName,
	}
	if subject != nil {
		data["Image"] = subject.Exe
		data["ProcessName"] = subject.Comm
		if len(subject.Argv) > 0 {
			data["CommandLine"] = strings.Join(subject.Argv, " ")
		}
	}
	if cwd := ev.First("CWD"); cwd != nil {
		data["CurrentDirectory"] = strField(cwd, "cwd")
	}
	if u := strField(sc, "UID"); u != "" {
		data["User"] = u
	}
	return &DetectionEvent{
		EventID:   ev.ID.String(),
		Timestamp: time.Unix(int64(ev.ID.Sec), int64(ev.ID.Msec)*int64(time.Millisecond)),
		Data:      data,
	}
}

func (se *SigmaEngine) loadAllRules() error {
	return filepath.Walk(se.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if ext := filepath.Ext(path); ext != ".yml" && ext != ".yaml" {
			return nil
		}
		return se.loadRuleFile(path)
	})
}

func (se *SigmaEngine) loadRuleFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rule file %s: %v", path, err)
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		se.logger.Debug("sigma", "ignoring non-rule file: %s", path)
		return nil
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return fmt.Errorf("failed to parse rule %s: %v", path, err)
	}
	if !isProcessCreationRule(rule) {
		se.logger.Debug("sigma", "ignoring rule: %s from %s", rule.Title, path)
		return nil
	}

	ruleEvaluator := evaluator.ForRule(rule,
		evaluator.WithConfig(createFieldMappings()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, name string) ([]string, error) {
			return nil, nil
		}),
	)

	se.mu.Lock()
	se.evaluators[rule.ID] = ruleEvaluator
	se.mu.Unlock()
	se.logger.Debug("sigma", "loaded rule: %s (%s)", rule.Title, path)
	return nil
}

func isProcessCreationRule(rule sigma.Rule) bool {
	if rule.Logsource.Product == "windows" {
		return false
	}
	if platform, ok := rule.Logsource.AdditionalFields["platform"]; ok {
		if platformStr, ok := platform.(string); ok &&
			!strings.Contains(strings.ToLower(platformStr), "linux") {
			return false
		}
	}
	if rule.Logsource.Category == "process_creation" || rule.Logsource.Service == "process_creation" {
		return true
	}
	return false
}

func createFieldMappings() sigma.Config {
	return sigma.Config{
		Title: "auditview process mappings",
		FieldMappings: map[string]sigma.FieldMapping{
			"CommandLine":      {TargetNames: []string{"CommandLine"}},
			"Image":            {TargetNames: []string{"Image"}},
			"User":             {TargetNames: []string{"User"}},
			"ProcessId":        {TargetNames: []string{"ProcessId"}},
			"ParentProcessId":  {TargetNames: []string{"ParentProcessId"}},
			"CurrentDirectory": {TargetNames: []string{"CurrentDirectory"}},
			"ProcessName":      {TargetNames: []string{"ProcessName"}},
		},
	}
}

func (se *SigmaEngine) setupWatcher() error {
	err := filepath.Walk(se.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return se.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to setup recursive watching: %v", err)
	}
	go se.watchRules()
	return nil
}

func (se *SigmaEngine) watchRules() {
	for {
		select {
		case event, ok := <-se.watcher.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yml" && ext != ".yaml" {
				continue
			}
			se.logger.Info("sigma", "rule file change detected: %s", event.Name)
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := se.loadRuleFile(event.Name); err != nil {
					se.logger.Warning("sigma", "error loading modified rule %s: %v", event.Name, err)
				}
			} else if event.Op&fsnotify.Remove != 0 {
				se.mu.Lock()
				delete(se.evaluators, event.Name)
				se.mu.Unlock()
			}
		case _, ok := <-se.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
