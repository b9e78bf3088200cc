// Package main wires the configuration, protocol codec, accelerator
// controller, job builder, and orchestrator into a running worker
// process, per spec.md §1 and §6. It is a thin entry point: the TOML
// file or credential prompt a real front-end would use is out of scope
// here, per spec.md's Non-goals.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/gousb"

	"shapool/internal/bus"
	"shapool/internal/config"
	"shapool/internal/driver/device"
	"shapool/internal/job"
	"shapool/internal/orchestrator"
	"shapool/internal/protocol"
)

var (
	name            = flag.String("name", "", "worker name sent with mining.authorize and mining.submit")
	password        = flag.String("password", "", "worker password")
	host            = flag.String("host", "", "stratum server host")
	port            = flag.Int("port", 3333, "stratum server port")
	numberOfDevices = flag.Int("devices", 1, "number of daisy-chained accelerators")
	coresPerDevice  = flag.Int("cores", 1, "cores per accelerator, must be a power of two")
	timeoutSeconds  = flag.Int("timeout", 0, "poll_until_ready_or_timeout bound in seconds (0 = use the default)")
	noTimeout       = flag.Bool("no-timeout", false, "wait indefinitely for poll_until_ready_or_timeout")
	interruptWork   = flag.Bool("interrupt-work", true, "issue interrupt_execution on clean_jobs")
	verbose         = flag.Int("v", 0, "verbosity: 0/1 log at info granularity, 2 adds a trace line per frame and per job-lifecycle step")
	loopback        = flag.Bool("loopback", false, "drive an in-process LoopbackBus instead of real USB hardware, for local testing")
	usbVID          = flag.String("usb-vid", "", "accelerator USB vendor ID, hex (e.g. 0x04d8)")
	usbPID          = flag.String("usb-pid", "", "accelerator USB product ID, hex (e.g. 0x00dd)")
)

func main() {
	flag.Parse()

	cfg := config.ApplyEnvOverrides(config.LoadDotEnv())
	if *name != "" {
		cfg.Name = *name
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *numberOfDevices != 0 {
		cfg.NumberOfDevices = *numberOfDevices
	}
	if *coresPerDevice != 0 {
		cfg.CoresPerDevice = *coresPerDevice
	}
	if *timeoutSeconds > 0 {
		cfg.Timeout = time.Duration(*timeoutSeconds) * time.Second
	}
	cfg.NoTimeout = *noTimeout || cfg.NoTimeout
	cfg.InterruptWork = *interruptWork
	if *verbose != 0 {
		cfg.Verbose = *verbose
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	b, closeBus, err := openBus(cfg)
	if err != nil {
		log.Fatalf("opening accelerator bus: %v", err)
	}
	defer closeBus()

	controller, err := device.New(b, cfg.NumberOfDevices, cfg.CoresPerDevice)
	if err != nil {
		log.Fatalf("creating accelerator controller: %v", err)
	}
	if err := controller.Reset(); err != nil {
		log.Fatalf("resetting accelerator controller: %v", err)
	}
	if err := controller.UpdateDeviceConfigs(); err != nil {
		log.Fatalf("configuring accelerator devices: %v", err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("dialing stratum server %s: %v", addr, err)
	}
	defer conn.Close()

	codec := protocol.New(conn, conn)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Subscribe/Authorize each block on their own Call()'s response
	// channel, and nothing is pumping ReadMessage/Dispatch yet — the
	// orchestrator's receive loop only starts inside Run, below. Rather
	// than run a separate pump goroutine concurrently with that receive
	// loop (which would race two readers over the same bufio.Reader),
	// this handshake reads frames itself, single-threaded, until its own
	// response arrives.
	sub, err := handshakeSubscribe(codec)
	if err != nil {
		log.Fatalf("mining.subscribe: %v", err)
	}
	if err := handshakeAuthorize(codec, cfg.Name, cfg.Password); err != nil {
		log.Fatalf("mining.authorize: %v", err)
	}

	builder := job.New(sub.ExtraNonce1, sub.ExtraNonce2Size)
	orch := orchestrator.New(codec, controller, builder, cfg.Name, cfg.EffectiveTimeout(), cfg.InterruptWork, cfg.Verbose)

	if err := orch.Run(ctx); err != nil {
		log.Fatalf("orchestrator stopped: %v", err)
	}
}

// awaitResponse reads and classifies frames until resp receives the
// reply correlated to id, dispatching any other response it encounters
// along the way and dropping server-initiated calls: none are expected
// before authorize completes.
func awaitResponse(codec *protocol.Codec, resp <-chan *protocol.Response) (*protocol.Response, error) {
	for {
		select {
		case r := <-resp:
			return r, nil
		default:
		}

		msg, err := codec.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if msg.Response != nil {
			codec.Dispatch(msg.Response)
			continue
		}
		log.Printf("dropping server-initiated message received before handshake completed")
	}
}

func handshakeSubscribe(codec *protocol.Codec) (*protocol.SubscribeResult, error) {
	ch, err := codec.Call("mining.subscribe", []interface{}{})
	if err != nil {
		return nil, err
	}
	resp, err := awaitResponse(codec, ch)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return protocol.DecodeSubscribeResult(resp.Result)
}

func handshakeAuthorize(codec *protocol.Codec, username, password string) error {
	ch, err := codec.Call("mining.authorize", []string{username, password})
	if err != nil {
		return err
	}
	resp, err := awaitResponse(codec, ch)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		log.Printf("authorize error (%d): %s", resp.Error.Code, resp.Error.Message)
		if protocol.IsFatal(resp.Error.Code) {
			return resp.Error
		}
	}
	return nil
}

// openBus selects the accelerator transport: an in-process LoopbackBus
// for local testing, or real hardware over USB.
func openBus(cfg config.Config) (bus.Bus, func(), error) {
	if *loopback {
		return bus.NewLoopbackBus(), func() {}, nil
	}

	vid, pid, err := parseUSBIDs(*usbVID, *usbPID)
	if err != nil {
		return nil, nil, err
	}
	usbBus, err := bus.OpenUSBBus(vid, pid)
	if err != nil {
		return nil, nil, err
	}
	return usbBus, func() { usbBus.Close() }, nil
}

func parseUSBIDs(vidStr, pidStr string) (gousb.ID, gousb.ID, error) {
	if vidStr == "" || pidStr == "" {
		return 0, 0, fmt.Errorf("-usb-vid and -usb-pid are required unless -loopback is set")
	}
	vid, err := strconv.ParseUint(trimHexPrefix(vidStr), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing -usb-vid %q: %w", vidStr, err)
	}
	pid, err := strconv.ParseUint(trimHexPrefix(pidStr), 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing -usb-pid %q: %w", pidStr, err)
	}
	return gousb.ID(vid), gousb.ID(pid), nil
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
