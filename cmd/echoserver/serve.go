package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/reflection"

	"github.com/fullstorydev/grpccall"
	"github.com/fullstorydev/grpccall/grpccalltesting"
	"github.com/fullstorydev/grpccall/h2grpc"
)

type ServeCommand struct {
	Addr            string        `help:"Address to listen on." default:":8080"`
	BasePath        string        `help:"Path prefix of the service." default:"/"`
	MaxRequestBody  string        `help:"Largest accepted request body for single-request methods (e.g. 4MiB). Empty means no limit."`
	MaxRecvMsgSize  string        `help:"Largest accepted request message." default:"4MiB"`
	PoolSize        int           `help:"Number of idle service instances to keep. Zero shares a single instance." default:"0"`
	ShutdownTimeout time.Duration `help:"How long to wait for in-flight calls on shutdown." default:"10s"`
}

func (c *ServeCommand) Run(ctx context.Context, logger *zap.Logger) (err error) {
	var maxBody uint64
	if c.MaxRequestBody != "" {
		if maxBody, err = humanize.ParseBytes(c.MaxRequestBody); err != nil {
			return err
		}
	}
	maxRecv, err := humanize.ParseBytes(c.MaxRecvMsgSize)
	if err != nil {
		return err
	}

	svr := h2grpc.NewServer(
		h2grpc.WithBasePath(c.BasePath),
		h2grpc.WithLogger(logger),
		h2grpc.WithMaxRequestBodySize(int64(maxBody)),
		h2grpc.WithHandlerOptions(grpccall.WithMaxRecvMsgSize(int(maxRecv))),
	)
	var pool *grpccall.PoolActivator
	if c.PoolSize > 0 {
		pool = grpccall.NewPoolActivator(c.PoolSize, func(context.Context) (any, error) {
			return &grpccalltesting.TestServer{}, nil
		})
		svr.Handlers().RegisterServiceActivator(&grpccalltesting.TestServiceDesc, pool)
	} else {
		grpccalltesting.RegisterTestServiceServer(svr, &grpccalltesting.TestServer{})
	}
	reflection.Register(svr)

	hs := &http.Server{
		Handler:           h2c.NewHandler(svr, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	l, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return err
	}

	logger.Info("serving",
		zap.Stringer("addr", l.Addr()),
		zap.String("base_path", c.BasePath),
		zap.String("max_request_body", humanize.IBytes(maxBody)),
		zap.String("max_recv_msg_size", humanize.IBytes(maxRecv)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hs.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		err := hs.Shutdown(sctx)
		if pool != nil {
			err = multierr.Append(err, pool.Close(sctx))
		}
		return multierr.Append(err, logger.Sync())
	})
	return g.Wait()
}
