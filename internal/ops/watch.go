package ops

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/yanun0323/logs"
)

// Watch reloads path whenever it changes and calls apply with each valid
// result. Invalid edits are logged and ignored; the previous config stays
// in force. The watch lives for the rest of the process.
func Watch(path string, apply func(Config)) error {
	if path == "" {
		return fmt.Errorf("watch: empty config path")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		reload(v, ev, apply)
	})
	v.WatchConfig()
	return nil
}

func reload(v *viper.Viper, ev fsnotify.Event, apply func(Config)) {
	cfg, err := decode(v)
	if err != nil {
		logs.Errorf("ops: reload %s (%s), err: %+v", ev.Name, ev.Op, err)
		return
	}
	logs.Infof("ops: reloaded %s, signal enabled=%t min_confidence=%.4f",
		ev.Name, cfg.Signal.Enabled, cfg.Signal.MinConfidence)
	apply(cfg)
}
