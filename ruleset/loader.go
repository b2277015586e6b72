package ruleset

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

type RuleSetHandler func(Ruleset) error

type RuleSetLoader interface {
	Start() error
	Stop()
}

// SignalRuleSetLoader recompiles the rule file on SIGHUP and hands the
// result to handler. A broken file keeps the previous ruleset.
type SignalRuleSetLoader struct {
	o          sync.Once
	filePath   string
	handler    RuleSetHandler
	reloadChan chan os.Signal
	stopChan   chan struct{}
	config     *BuiltinConfig
	logger     *zap.Logger
}

func NewSignalRuleSetLoader(path string, handler RuleSetHandler, cfg *BuiltinConfig, logger *zap.Logger) *SignalRuleSetLoader {
	return &SignalRuleSetLoader{
		filePath:   path,
		handler:    handler,
		reloadChan: make(chan os.Signal, 1),
		stopChan:   make(chan struct{}),
		config:     cfg,
		logger:     logger,
	}
}

func (l *SignalRuleSetLoader) Start() error {
	l.o.Do(
		func() {
			signal.Notify(l.reloadChan, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-l.stopChan:
						return
					case <-l.reloadChan:
						l.Reload()
					}
				}
			}()
		},
	)
	return nil
}

// Reload loads the rule file once, outside the signal path.
func (l *SignalRuleSetLoader) Reload() {
	l.logger.Info("reloading rules", zap.String("file", l.filePath))
	rawRs, err := ExprRulesFromYAML(l.filePath)
	if err != nil {
		l.logger.Error("failed to load rules, using old rules", zap.Error(err))
		return
	}
	rs, err := CompileExprRules(rawRs, l.config)
	if err != nil {
		l.logger.Error("failed to compile rules, using old rules", zap.Error(err))
		return
	}
	if err := l.handler(rs); err != nil {
		l.logger.Error("failed to update ruleset", zap.Error(err))
	} else {
		l.logger.Info("rules reloaded")
	}
}

func (l *SignalRuleSetLoader) Stop() {
	signal.Stop(l.reloadChan)
	close(l.stopChan)
}
