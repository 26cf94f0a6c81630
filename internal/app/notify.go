package app

import (
	logx "schedvault/pkg/logx"
	"schedvault/pkg/systemd"
)

func notifyReady(log logx.Logger, rep string) {
	if _, err := systemd.Status("%s", rep); err != nil {
		log.Debug("sd_notify status failed", logx.Err(err))
	}
	if sent, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		log.Debug("sd_notify ready sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := systemd.Stopping(); err != nil {
		log.Warn("sd_notify stopping failed", logx.Err(err))
	}
}
