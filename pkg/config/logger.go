package config

import (
	"github.com/treeverse/clusterkv/pkg/logging"
)

func setupLogger(cfg Logging) error {
	// set output format
	logging.SetOutputFormat(cfg.Format)

	// set outputs
	if err := logging.SetOutputs(cfg.Output, cfg.FileMaxSizeMB, cfg.FilesKeep); err != nil {
		return err
	}

	// set level
	logging.SetLevel(cfg.Level)
	return nil
}
