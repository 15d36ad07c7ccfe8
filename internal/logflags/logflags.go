/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package logflags

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var analysis = false
var objfile = false
var listing = false

var out io.Writer = os.Stderr

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Out = out
	logger.Logger.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Analysis returns true if the pcheader driver should log.
func Analysis() bool {
	return analysis
}

// AnalysisLogger returns a logger for the pcheader driver and materializer.
func AnalysisLogger() *logrus.Entry {
	return makeLogger(analysis, logrus.Fields{"layer": "analysis"})
}

// Objfile returns true if executable loading should log.
func Objfile() bool {
	return objfile
}

// ObjfileLogger returns a logger for the objfile package.
func ObjfileLogger() *logrus.Entry {
	return makeLogger(objfile, logrus.Fields{"layer": "objfile"})
}

// Listing returns true if region and reference bookkeeping should log.
func Listing() bool {
	return listing
}

// ListingLogger returns a logger for the listing package.
func ListingLogger() *logrus.Entry {
	return makeLogger(listing, logrus.Fields{"layer": "listing"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the log layers from the contents of logstr and sends all output to w.
// A nil w keeps the current destination.
func Setup(logFlag bool, logstr string, w io.Writer) error {
	analysis, objfile, listing = false, false, false
	if w != nil {
		out = w
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "analysis"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "analysis":
			analysis = true
		case "objfile":
			objfile = true
		case "listing":
			listing = true
		case "all":
			analysis, objfile, listing = true, true, true
		}
	}
	return nil
}
