package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fullstorydev/grpccall/framing"
	"github.com/fullstorydev/grpccall/grpccalltesting"
	"github.com/fullstorydev/grpccall/h2grpc"
)

type CallCommand struct {
	URL      *url.URL          `arg:"" help:"Base URL of the service (e.g. http://localhost:8080)."`
	Payload  string            `help:"Payload to echo." default:"hello"`
	Count    int32             `help:"Number of responses to stream back. Zero makes a unary call." default:"0"`
	Header   map[string]string `help:"Request metadata." mapsep:","`
	Compress string            `help:"Request compression (identity, gzip, deflate)." enum:"identity,gzip,deflate" default:"identity"`
	Timeout  time.Duration     `help:"Deadline of the call." default:"10s"`
}

func (c *CallCommand) Run(ctx context.Context, logger *zap.Logger) error {
	ch := &h2grpc.Channel{
		Transport: &http2.Transport{
			AllowHTTP: c.URL.Scheme == "http",
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				if c.URL.Scheme == "http" {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				}
				d := tls.Dialer{Config: cfg}
				return d.DialContext(ctx, network, addr)
			},
		},
		BaseURL:    c.URL,
		Logger:     logger,
		Compressor: c.Compress,
	}
	if c.Compress == framing.Identity {
		ch.Compressor = ""
	}
	cli := grpccalltesting.NewTestServiceClient(ch)

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	ctx = metadata.NewOutgoingContext(ctx, metadata.New(c.Header))
	req := &grpccalltesting.Message{Payload: []byte(c.Payload), Count: c.Count}

	start := time.Now()
	var received int
	var size uint64
	if c.Count == 0 {
		var hdr, tlr metadata.MD
		rsp, err := cli.Unary(ctx, req, grpc.Header(&hdr), grpc.Trailer(&tlr))
		if err != nil {
			return callError(err)
		}
		logger.Debug("response metadata", zap.Any("header", hdr), zap.Any("trailer", tlr))
		fmt.Printf("%s\n", rsp.Payload)
		received, size = 1, uint64(len(rsp.Payload))
	} else {
		ss, err := cli.ServerStream(ctx, req)
		if err != nil {
			return callError(err)
		}
		for {
			rsp, err := ss.Recv()
			if errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return callError(err)
			}
			fmt.Printf("%s\n", rsp.Payload)
			received++
			size += uint64(len(rsp.Payload))
		}
	}
	logger.Info("call complete",
		zap.String("responses", humanize.Comma(int64(received))),
		zap.String("payload", humanize.Bytes(size)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func callError(err error) error {
	st := status.Convert(err)
	return fmt.Errorf("call failed: %s: %s", st.Code(), st.Message())
}
