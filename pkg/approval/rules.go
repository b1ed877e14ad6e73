package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Rules is the on-disk shape of the pattern configuration
type Rules struct {
	Whitelist        []string `json:"whitelist"`
	Blacklist        []string `json:"blacklist"`
	AutoApproveTools []string `json:"auto_approve_tools"`
}

// LoadRulesFile reads and applies a rules file to the engine. Patterns are
// validated before any of them is applied, so a file with one bad regex
// changes nothing.
func (e *Engine) LoadRulesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	var rules Rules
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("failed to parse rules file: %w", err)
	}

	for _, pattern := range append(append([]string{}, rules.Whitelist...), rules.Blacklist...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern %q in rules file: %w", pattern, err)
		}
	}

	for _, pattern := range rules.Whitelist {
		if err := e.AddWhitelistPattern(pattern); err != nil {
			return err
		}
	}
	for _, pattern := range rules.Blacklist {
		if err := e.AddBlacklistPattern(pattern); err != nil {
			return err
		}
	}
	for _, name := range rules.AutoApproveTools {
		e.SetAutoApprove(name, true)
	}

	log.Info().
		Str("path", path).
		Int("whitelist", len(rules.Whitelist)).
		Int("blacklist", len(rules.Blacklist)).
		Msg("Approval rules loaded")

	return nil
}

// WatchRulesFile reloads the rules file whenever it changes on disk. It
// blocks until the context is cancelled. Pattern lists only grow on reload;
// removing a rule requires a restart, which keeps cached decisions coherent.
func (e *Engine) WatchRulesFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file keep working
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch rules directory: %w", err)
	}

	log.Info().Str("path", path).Msg("Watching approval rules file")

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := e.LoadRulesFile(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Failed to reload approval rules")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Rules watcher error")

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
