// Package klog provides the structured diagnostic logging used throughout
// the memory core's bootstrap and slow paths. It replaces the teacher
// kernel's raw uartPuts trace calls in pageInit/heapInit/kmalloc with
// leveled, structured records; call sites are otherwise the same ones the
// teacher traces (arena span changes, slab growth, fault handling).
package klog

import (
	"log/slog"
	"os"
)

// Logger is the package-wide sink. Tests may replace it with one writing
// to a buffer; production code (cmd/vmdemo) leaves the default in place.
var Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
