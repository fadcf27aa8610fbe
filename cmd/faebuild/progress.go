package main

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// logProgress reports download progress through the logger, at most once
// per second.
type logProgress struct {
	logger *slog.Logger
	every  *rate.Sometimes
	url    string
	done   int64
	total  int64
}

func newProgress(logger *slog.Logger) *logProgress {
	return &logProgress{logger: logger}
}

func (p *logProgress) Start(url, dest string, done, total int64) {
	p.url, p.done, p.total = url, done, total
	p.every = &rate.Sometimes{Interval: time.Second}
	p.logger.Debug("download started", "url", url, "dest", dest, "offset", done, "total", total)
}

func (p *logProgress) Add(n int64) {
	p.done += n
	p.every.Do(func() {
		p.logger.Info("download progress", "url", p.url, "bytes", p.done, "total", p.total, "percent", p.percent())
	})
}

func (p *logProgress) Done() {
	p.logger.Info("download finished", "url", p.url, "bytes", p.done, "total", p.total)
}

func (p *logProgress) percent() int {
	if p.total <= 0 {
		return 0
	}
	return int(p.done * 100 / p.total)
}
