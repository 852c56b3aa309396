package vm

import (
	"github.com/tliron/commonlog"
)

var (
	log     = logger("strata.vm")
	swapLog = logger("strata.swap")
)

// logger resolves its commonlog logger on each call, so a backend set up
// after this package is initialized is still used.
type logger string

func (l logger) get() commonlog.Logger { return commonlog.GetLogger(string(l)) }

func (l logger) Criticalf(format string, args ...any) { l.get().Criticalf(format, args...) }
func (l logger) Warningf(format string, args ...any)  { l.get().Warningf(format, args...) }
func (l logger) Infof(format string, args ...any)     { l.get().Infof(format, args...) }
func (l logger) Debugf(format string, args ...any)    { l.get().Debugf(format, args...) }
