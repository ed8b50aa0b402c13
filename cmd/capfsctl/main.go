// Command capfsctl is a diagnostic-only HTTP surface over a standalone instance of the CAPFS
// client cache engine: it wires a frame pool, the block/file indexes, a hash cache, and the
// background harvester together exactly as a mount would, then exposes their counters as JSON
// over gin so an operator can poll them without attaching a debugger. The HTTP endpoints are
// read-only. By default it talks to no manager or I/O server; CAPFS_MANAGER_ADDR points its
// hash-cache fetches at a manager's gethashes, and CAPFS_S3_BUCKET sends harvester writebacks
// to an S3 bucket.
package main

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/mnv104/capfs-sub002"
	"github.com/mnv104/capfs-sub002/blockindex"
	"github.com/mnv104/capfs-sub002/cmd/capfsctl/docs"
	"github.com/mnv104/capfs-sub002/config"
	"github.com/mnv104/capfs-sub002/fileindex"
	"github.com/mnv104/capfs-sub002/framepool"
	"github.com/mnv104/capfs-sub002/harvester"
	"github.com/mnv104/capfs-sub002/hashcache"
	"github.com/mnv104/capfs-sub002/iotransport"
	"github.com/mnv104/capfs-sub002/manager"
)

func handleHash(handle []byte) uint64 {
	h := fnv.New64a()
	h.Write(handle)
	return h.Sum64()
}

func handleCompare(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func unconfiguredFetch(ctx context.Context, handle []byte, beginChunk, nchunks int) ([]byte, error) {
	return nil, capfs.Error{Code: capfs.ErrRPCTransport, Err: fmt.Errorf("capfsctl: no manager configured, cannot fetch hashes")}
}

func main() {
	if f, err := capfs.ConfigureLogging(); err != nil {
		slog.Error("capfsctl: configure logging", "error", err)
		os.Exit(1)
	} else if f != nil {
		defer f.Close()
	}

	cfg, err := config.NewFromEnv()
	if err != nil {
		slog.Error("capfsctl: load config", "error", err)
		os.Exit(1)
	}

	pool := framepool.New(cfg)
	blocks := blockindex.New(cfg.BlockTableSize, handleHash, handleCompare, pool)
	files := fileindex.New(cfg.FileTableSize, handleHash)

	// With CAPFS_MANAGER_ADDR set, hash-cache misses round-trip to a real manager's gethashes;
	// without one, any miss fails (capfsctl then only reports on whatever was Put locally).
	fetch := hashcache.FetchFunc(unconfiguredFetch)
	if addr := os.Getenv("CAPFS_MANAGER_ADDR"); addr != "" {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			slog.Error("capfsctl: parse CAPFS_MANAGER_ADDR", "error", err)
			os.Exit(1)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			slog.Error("capfsctl: parse CAPFS_MANAGER_ADDR port", "error", err)
			os.Exit(1)
		}
		mgr := manager.NewClient(1, 4, cfg.ManagerTimeout)
		defer mgr.Shutdown()
		fetch = mgr.HashFetcher(manager.Endpoint{Host: host, Port: port})
		slog.Info("capfsctl: manager-backed hash fetch enabled", "addr", addr)
	}

	var hc hashcache.Cache
	if os.Getenv("CAPFSCTL_SIMPLE_HCACHE") != "" {
		hc = hashcache.NewSimpleCache(files, fetch)
	} else {
		hc = hashcache.NewComplexCache(pool, blocks, files, fetch)
	}

	var writeback harvester.WritebackFunc
	if bucket := os.Getenv("CAPFS_S3_BUCKET"); bucket != "" {
		backend := iotransport.NewS3Backend(iotransport.S3Config{
			HostEndpointURL: os.Getenv("CAPFS_S3_ENDPOINT"),
			Region:          os.Getenv("CAPFS_S3_REGION"),
			AccessKey:       os.Getenv("CAPFS_S3_ACCESS_KEY"),
			SecretKey:       os.Getenv("CAPFS_S3_SECRET_KEY"),
			Bucket:          bucket,
		}, int64(cfg.BSize))
		plumb := &iotransport.Plumbing{
			FetchBegin:    backend.FetchBegin,
			FetchComplete: backend.FetchComplete,
			WriteBegin:    backend.WriteBegin,
			WriteComplete: backend.WriteComplete,
		}
		// Plumbing.Writeback expects every frame locked on entry; the harvester calls
		// WritebackFunc with the frame already unlocked, so re-acquire it here.
		writeback = func(ctx context.Context, f *framepool.Frame) error {
			f.Lock()
			defer f.Unlock()
			return plumb.Writeback(ctx, f.Key.Handle, []*framepool.Frame{f}, int64(cfg.BSize))
		}
		slog.Info("capfsctl: cold-path S3 writeback enabled", "bucket", bucket)
	}

	hv := harvester.New(pool, blocks, files, cfg, writeback)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := hv.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("capfsctl: harvester stopped unexpectedly", "error", err)
		}
	}()

	d := &diagnostics{pool: pool, hc: hc, hv: hv}
	if err := RegisterMethod(GET, "/stats", d.statsHandler); err != nil {
		slog.Error("capfsctl: register /stats", "error", err)
		os.Exit(1)
	}
	if err := RegisterMethod(GET, "/harvester", d.harvesterHandler); err != nil {
		slog.Error("capfsctl: register /harvester", "error", err)
		os.Exit(1)
	}

	router := gin.Default()
	docs.SwaggerInfo.BasePath = "/api/v1"

	v1 := router.Group("/api/v1")
	{
		for _, rm := range RestMethods() {
			switch rm.Verb {
			case GET:
				v1.GET(rm.Path, rm.Handler)
			case DELETE:
				v1.DELETE(rm.Path, rm.Handler)
			case POST:
				v1.POST(rm.Path, rm.Handler)
			case PUT:
				v1.PUT(rm.Path, rm.Handler)
			case PATCH:
				v1.PATCH(rm.Path, rm.Handler)
			default:
				panic(fmt.Sprintf("capfsctl: HTTP verb %d not supported", rm.Verb))
			}
		}
	}
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	addr := os.Getenv("CAPFSCTL_ADDR")
	if addr == "" {
		addr = "localhost:8080"
	}

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ManagerTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("capfsctl: server shutdown", "error", err)
		}
	}()

	slog.Info("capfsctl: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("capfsctl: listen", "error", err)
		os.Exit(1)
	}

	if cfg.DumpStatsOnShutdown {
		ps := pool.Stats()
		hs := hc.Stats()
		slog.Info("capfsctl: shutdown stats",
			"frames_free", ps.Free, "frames_mapped", ps.Mapped, "frames_dirty", ps.Dirty,
			"hcache_hits", hs.Hits, "hcache_misses", hs.Misses, "hcache_fetches", hs.Fetches, "hcache_puts", hs.Puts)
	}
}
