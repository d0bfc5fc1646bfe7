package main

import (
	"time"

	"github.com/derektruong/fxupload"
	"github.com/go-logr/logr"
)

// eventLogger logs the upload events.
type eventLogger struct {
	fxupload.ListenerAdapter
	logger logr.Logger
}

func (l eventLogger) OnNewClient(clientID string) {
	l.logger.Info("new client", "clientID", clientID)
}

func (l eventLogger) OnClientBack(clientID string) {
	l.logger.Info("client is back", "clientID", clientID)
}

func (l eventLogger) OnClientInactivity(clientID string, inactivity time.Duration) {
	l.logger.Info("client inactive", "clientID", clientID, "inactivity", inactivity.String())
}

func (l eventLogger) OnFileUploadPrepared(clientID string, file fxupload.PendingFile) {
	l.logger.Info("upload prepared", "clientID", clientID, "fileID", file.ID, "name", file.Name, "size", file.Size)
}

func (l eventLogger) OnFileUploadCancelled(clientID, fileID string) {
	l.logger.Info("upload cancelled", "clientID", clientID, "fileID", fileID)
}

func (l eventLogger) OnFileUploadEnd(clientID, fileID string) {
	l.logger.Info("upload finished", "clientID", clientID, "fileID", fileID)
}

func (l eventLogger) OnFileUploadProgress(clientID string, progress fxupload.Progress) {
	l.logger.V(1).Info("upload progress",
		"clientID", clientID,
		"fileID", progress.FileID,
		"percentage", progress.Percentage,
		"rate", progress.InstantRate)
}
