package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream  int64
	errorsWriter  int64
	warnsStream   int64
	warnsWriter   int64
	bookReads     int64
	oracleReads   int64
	fileWrites    int64
	s3Uploads     int64
	reconnects    int64
	malformedMsgs int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "oracle") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "sink") {
		atomic.AddInt64(&warnsWriter, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") || strings.Contains(component, "oracle") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "sink") {
		atomic.AddInt64(&errorsWriter, 1)
	}
}

func IncrementBookRead(size int) {
	atomic.AddInt64(&bookReads, 1)
	recordChannel("book_ws", size)
}

func IncrementOracleRead(size int) {
	atomic.AddInt64(&oracleReads, 1)
	recordChannel("oracle_ws", size)
}

func IncrementFileWrite(size int64) {
	atomic.AddInt64(&fileWrites, 1)
	recordChannel("parquet_write", int(size))
}

func IncrementS3Upload(size int64) {
	atomic.AddInt64(&s3Uploads, 1)
	recordChannel("s3_upload", int(size))
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementMalformed() {
	atomic.AddInt64(&malformedMsgs, 1)
}

// Counter snapshots for the status dashboard.
func BookReads() int64     { return atomic.LoadInt64(&bookReads) }
func OracleReads() int64   { return atomic.LoadInt64(&oracleReads) }
func FileWrites() int64    { return atomic.LoadInt64(&fileWrites) }
func S3Uploads() int64     { return atomic.LoadInt64(&s3Uploads) }
func Reconnects() int64    { return atomic.LoadInt64(&reconnects) }
func MalformedMsgs() int64 { return atomic.LoadInt64(&malformedMsgs) }

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_stream":  atomic.LoadInt64(&errorsStream),
		"errors_writer":  atomic.LoadInt64(&errorsWriter),
		"warns_stream":   atomic.LoadInt64(&warnsStream),
		"warns_writer":   atomic.LoadInt64(&warnsWriter),
		"book_reads":     atomic.LoadInt64(&bookReads),
		"oracle_reads":   atomic.LoadInt64(&oracleReads),
		"file_writes":    atomic.LoadInt64(&fileWrites),
		"s3_uploads":     atomic.LoadInt64(&s3Uploads),
		"reconnects":     atomic.LoadInt64(&reconnects),
		"malformed_msgs": atomic.LoadInt64(&malformedMsgs),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsWriter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_writer"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BookReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["book_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OracleReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["oracle_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FileWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["file_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("S3Uploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_uploads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("MalformedMsgs"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["malformed_msgs"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
