package kixdns

import (
	"context"
	"net"
	"runtime"

	"github.com/sirupsen/logrus"
)

const udpSendQueueDepth = 256

// udpSendJob is one queued outbound datagram, used by the async-send
// fallback when a worker's non-blocking write path is saturated.
type udpSendJob struct {
	data []byte
	peer *net.UDPAddr
}

// UDPListener runs N worker goroutines, each performing a tight
// read/fast-path/write loop over its own UDPConn (SO_REUSEPORT, one socket
// per worker) or, on platforms without SO_REUSEPORT, over one shared
// UDPConn read concurrently. Grounded in original_source/src/main.rs's
// run_udp_worker, translated from Rust's non-blocking try_recv/try_send to
// Go's blocking-per-goroutine model: each ReadFromUDP blocks the worker
// goroutine instead of polling, and the WouldBlock async-send fallback
// becomes a bounded per-worker job channel drained by a dedicated sender
// goroutine, grounded in the teacher's DNSListener for logging/shutdown
// idiom (dnslistener.go).
type UDPListener struct {
	addr    string
	engine  *Engine
	workers int
	label   string

	conns []*net.UDPConn
}

// NewUDPListener resolves the worker count (explicit, or one per CPU) and
// prepares (without yet binding) a UDP listener for addr.
func NewUDPListener(addr string, engine *Engine, workers int, label string) *UDPListener {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers < 1 {
		workers = 1
	}
	return &UDPListener{addr: addr, engine: engine, workers: workers, label: label}
}

// Start binds the listening socket(s) and blocks serving until ctx is
// canceled.
func (l *UDPListener) Start(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return wrapStartup(err, "resolve udp bind address")
	}

	if reusePortAvailable {
		l.conns = make([]*net.UDPConn, l.workers)
		lc := reusePortListenConfig()
		for i := 0; i < l.workers; i++ {
			pc, err := lc.ListenPacket(ctx, "udp", l.addr)
			if err != nil {
				return wrapStartup(err, "bind reuseport udp socket")
			}
			l.conns[i] = pc.(*net.UDPConn)
		}
	} else {
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return wrapStartup(err, "bind udp socket")
		}
		l.conns = make([]*net.UDPConn, l.workers)
		for i := range l.conns {
			l.conns[i] = conn
		}
	}

	Log.WithField("addr", l.addr).WithField("workers", l.workers).WithField("reuseport", reusePortAvailable).Info("udp listener started")

	done := make(chan struct{})
	for i := 0; i < l.workers; i++ {
		go l.runWorker(ctx, i, l.conns[i])
	}

	go func() {
		<-ctx.Done()
		seen := map[*net.UDPConn]struct{}{}
		for _, c := range l.conns {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			_ = c.Close()
		}
		close(done)
	}()
	<-done
	return nil
}

func (l *UDPListener) runWorker(ctx context.Context, workerID int, conn *net.UDPConn) {
	log := Log.WithField("worker", workerID).WithField("listener", l.label)

	sendQueue := make(chan udpSendJob, udpSendQueueDepth)
	go func() {
		for job := range sendQueue {
			if _, err := conn.WriteToUDP(job.data, job.peer); err != nil {
				log.WithError(err).Debug("udp async send failed")
			}
		}
	}()
	defer close(sendQueue)

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("udp read error")
			continue
		}
		l.handleDatagram(ctx, conn, sendQueue, buf[:n], peer, log)
	}
}

func (l *UDPListener) handleDatagram(ctx context.Context, conn *net.UDPConn, sendQueue chan udpSendJob, packet []byte, peer *net.UDPAddr, log *logrus.Entry) {
	pktCopy := append([]byte(nil), packet...)

	if wire, ok, err := l.engine.HandleFast(pktCopy, peer.IP, l.label); err != nil {
		log.WithError(err).Debug("fast path error")
	} else if ok {
		enqueueSend(sendQueue, conn, wire, peer, log)
		return
	}

	go func() {
		resp, err := l.engine.HandlePacket(ctx, pktCopy, peer.IP, l.label)
		if err != nil {
			return // parse failure or saturated: drop the datagram per §7
		}
		if _, werr := conn.WriteToUDP(resp, peer); werr != nil {
			log.WithError(werr).Debug("udp write failed")
		}
	}()
}

func enqueueSend(sendQueue chan udpSendJob, conn *net.UDPConn, data []byte, peer *net.UDPAddr, log *logrus.Entry) {
	select {
	case sendQueue <- udpSendJob{data: data, peer: peer}:
	default:
		// Queue saturated: fall back to a one-off blocking write instead of
		// dropping, mirroring the WouldBlock -> spawn_async_send fallback.
		go func() {
			if _, err := conn.WriteToUDP(data, peer); err != nil {
				log.WithError(err).Debug("udp overflow send failed")
			}
		}()
	}
}
