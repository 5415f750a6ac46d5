package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dengwxn/nexuslb/internal/config"
	"github.com/dengwxn/nexuslb/internal/dispatcher"
	"github.com/dengwxn/nexuslb/internal/memory"
	"github.com/dengwxn/nexuslb/internal/server"
	"github.com/dengwxn/nexuslb/internal/transport/rdma"
)

type dispatchOpts struct {
	host       string
	port       int
	device     string
	count      int
	interval   time.Duration
	modelIndex uint32
	grace      time.Duration
	loopback   bool
}

func newDispatchCmd() *cobra.Command {
	opts := &dispatchOpts{}
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send dispatch load and report reply statistics",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDispatch(opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "localhost", "dispatcher host")
	cmd.Flags().IntVar(&opts.port, "port", 9401, "dispatcher bootstrap port")
	cmd.Flags().StringVar(&opts.device, "device", "", "local RDMA device name")
	cmd.Flags().IntVar(&opts.count, "count", 1000, "number of dispatches to send")
	cmd.Flags().DurationVar(&opts.interval, "interval", time.Millisecond, "delay between dispatches")
	cmd.Flags().Uint32Var(&opts.modelIndex, "model-index", 0, "target model index")
	cmd.Flags().DurationVar(&opts.grace, "grace", 2*time.Second, "wait for late replies before reporting")
	cmd.Flags().BoolVar(&opts.loopback, "loopback", false,
		"embed a dispatcher in-process on the simulated fabric")
	return cmd
}

// benchHandler counts failure replies arriving on the client connection.
type benchHandler struct {
	rdma.NopEventHandler
	replies atomic.Int64
	sent    atomic.Int64
}

func (h *benchHandler) OnRecv(_ *rdma.Connection, buf *memory.Block) {
	defer buf.Free()
	msg, err := dispatcher.UnmarshalFromView(buf.MessageView())
	if err != nil {
		log.Error().Err(err).Msg("parsing reply failed")
		return
	}
	if msg.DispatchReply != nil {
		h.replies.Add(1)
		log.Debug().
			Str("status", msg.DispatchReply.Status.String()).
			Uint32("model_index", msg.DispatchReply.ModelIndex).
			Msg("dispatch reply")
	}
}

func (h *benchHandler) OnSent(_ *rdma.Connection, buf *memory.Block) {
	h.sent.Add(1)
	buf.Free()
}

func (h *benchHandler) OnError(_ *rdma.Connection, err error) {
	log.Error().Err(err).Msg("bench connection error")
}

func runDispatch(opts *dispatchOpts) error {
	verbs := rdma.NewBackend()

	if opts.loopback {
		cfg, err := config.Load("", config.Options{Port: opts.port})
		if err != nil {
			return err
		}
		// Keep the embedded server's arena small; the bench only moves
		// control messages.
		cfg.RDMA.PoolBits = 24
		cfg.RDMA.BlockBits = 14
		cfg.Models = []config.ModelConfig{{
			Index:             opts.modelIndex,
			BaseLatencyUS:     500,
			PerQueryLatencyUS: 50,
		}}
		srv, err := server.NewWithBackend(cfg, verbs)
		if err != nil {
			return fmt.Errorf("starting loopback dispatcher: %w", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error().Err(err).Msg("loopback dispatcher failed")
			}
		}()
		time.Sleep(200 * time.Millisecond)
	}

	pool, err := memory.NewPool(24, 16)
	if err != nil {
		return err
	}
	handler := &benchHandler{}
	connector, err := rdma.NewConnector(verbs, rdma.ConnectorConfig{
		Device: opts.device,
		Poller: rdma.PollerBlocking,
	}, handler, pool)
	if err != nil {
		return err
	}
	defer connector.Close()

	conn, err := connector.ConnectTCP(opts.host, opts.port)
	if err != nil {
		return err
	}

	start := time.Now()
	sent := 0
	for i := 0; i < opts.count; i++ {
		buf, err := pool.Allocate()
		if err != nil {
			return err
		}
		msg := &dispatcher.ControlMessage{Dispatch: &dispatcher.Dispatch{
			ModelIndex: opts.modelIndex,
			QueryID:    uint64(i + 1),
			Clock: dispatcher.Clock{
				FrontendSendNS: time.Now().UnixNano(),
			},
		}}
		if err := dispatcher.MarshalToBlock(msg, buf); err != nil {
			buf.Free()
			return err
		}
		if err := conn.AsyncSend(buf); err != nil {
			buf.Free()
			return err
		}
		sent++
		if opts.interval > 0 {
			time.Sleep(opts.interval)
		}
	}
	elapsed := time.Since(start)

	time.Sleep(opts.grace)
	fmt.Printf("dispatches sent:     %d\n", sent)
	fmt.Printf("send completions:    %d\n", handler.sent.Load())
	fmt.Printf("failure replies:     %d\n", handler.replies.Load())
	fmt.Printf("elapsed:             %s\n", elapsed)
	fmt.Printf("rate:                %.0f/s\n", float64(sent)/elapsed.Seconds())
	return nil
}
