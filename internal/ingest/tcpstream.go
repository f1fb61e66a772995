package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"cartwatch/internal/config"
	"cartwatch/internal/model"
)

// StartTCPStream accepts newline-delimited JSON snapshots over a raw
// TCP socket, for high-volume feeds that skip HTTP overhead.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.TelemetrySnapshot, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, out, logger)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, out chan<- model.TelemetrySnapshot, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		line := trimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		snap, err := ParseSnapshot(line)
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream snapshot parse error", "err", err)
			}
			continue
		}
		snap.Source = "tcp_stream"
		SendNonBlocking(ctx, out, snap, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
