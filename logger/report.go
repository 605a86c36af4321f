package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

type componentStat struct {
	warns  int64
	errors int64
}

var (
	framesRead    int64
	archiveWrites int64
	components    sync.Map // map[string]*componentStat
	channels      sync.Map // map[string]*channelStat
)

func componentFor(name string) *componentStat {
	v, _ := components.LoadOrStore(name, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentFor(component).errors, 1)
}

// ErrorCount returns the number of error lines logged by component.
func ErrorCount(component string) int64 {
	return atomic.LoadInt64(&componentFor(component).errors)
}

// WarnCount returns the number of warn lines logged by component.
func WarnCount(component string) int64 {
	return atomic.LoadInt64(&componentFor(component).warns)
}

// IncrementFrameRead counts one inbound feed frame of the given size.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("feed_ws", size)
}

// IncrementArchiveWrite counts one uploaded archive object.
func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("s3_trade_archive", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func reportFields() Fields {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	return Fields{
		"frames_read":    atomic.LoadInt64(&framesRead),
		"archive_writes": atomic.LoadInt64(&archiveWrites),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  int64(mem.HeapAlloc) / 1024 / 1024,
		"sys_mb":         int64(mem.Sys) / 1024 / 1024,
		"gc_cycles":      int64(mem.NumGC),
		"channels":       channelData,
		"components":     componentData,
	}
}

func logReport(ctx context.Context, log *Log) {
	fields := reportFields()
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("FramesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["frames_read"].(int64)))},
		{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["goroutines"].(int)))},
		{MetricName: aws.String("HeapAllocMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(fields["heap_alloc_mb"].(int64)))},
	}

	names := make([]string, 0)
	componentData := fields["components"].(map[string]map[string]int64)
	for name := range componentData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := componentData[name]
		dims := []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["warns"]))},
			cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["errors"]))},
		)
	}

	for name, stats := range fields["channels"].(map[string]map[string]int64) {
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("ChannelMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("ChannelBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}

	publishMetrics(ctx, data)
}
