// Command fectun is a tunnel/echo demo built on top of the reliable
// ARQ+FEC transport: run it once as a server and once as a client
// against the same TOML config shape to see a session dial, carry
// traffic, and survive a dropped-packet link.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	kcp "github.com/ARwMq9b6/fectun"
)

func main() {
	if err := _main(); err != nil {
		defer os.Exit(1)

		var st errors.StackTrace
		type stackTracer interface {
			StackTrace() errors.StackTrace
		}
		if e, ok := err.(stackTracer); ok {
			st = e.StackTrace()
		}
		glog.Errorf("%s%+v\n", err, st)
	}
}

func _main() error {
	var configFile string
	flag.StringVar(&configFile, "c", "./config.toml", "path of config file")
	flag.Parse()

	conf, err := newConfigRepr(configFile)
	if err != nil {
		return err
	}

	switch conf.Mode {
	case "server":
		return runServer(conf)
	case "client":
		return runClient(conf)
	default:
		return errors.Errorf("config.toml: mode must be \"client\" or \"server\", got %q", conf.Mode)
	}
}

func runServer(conf *configRepr) error {
	l, err := kcp.ListenWithOptions(conf.Listen, conf.FEC.DataShards, conf.FEC.ParityShards)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	defer l.Close()
	if conf.DSCP > 0 {
		if err := l.SetDSCP(conf.DSCP); err != nil {
			glog.Warningf("SetDSCP: %v", err)
		}
	}
	glog.Infof("listening on %s", l.Addr())

	e := make(chan error)
	for {
		sess, err := l.AcceptSession()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		applyTunables(sess, conf)
		glog.Infof("accepted session %d from %s", sess.ConvID(), sess.RemoteAddr())
		go func() {
			if err := echo(sess); err != nil {
				e <- err
			}
		}()
	}
}

func runClient(conf *configRepr) error {
	sess, err := kcp.DialWithOptions(conf.Remote, conf.FEC.DataShards, conf.FEC.ParityShards)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer sess.Close()
	applyTunables(sess, conf)
	glog.Infof("dialed session %d to %s", sess.ConvID(), sess.RemoteAddr())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	buf := make([]byte, 1500)
	for i := 0; ; i++ {
		msg := []byte(time.Now().Format(time.RFC3339Nano))
		if _, err := sess.Write(msg); err != nil {
			return errors.Wrap(err, "write")
		}
		n, err := sess.Read(buf)
		if err != nil {
			return errors.Wrap(err, "read")
		}
		glog.Infof("round trip: %s", buf[:n])
		<-ticker.C
	}
}

func applyTunables(sess *kcp.Session, conf *configRepr) {
	sess.SetWindowSize(conf.SndWnd, conf.RcvWnd)
	sess.SetNoDelay(conf.NoDelay, conf.Interval, conf.Resend, conf.NoCongCtrl)
	sess.SetKeepAlive(conf.KeepAliveSecs)
	if err := sess.SetMTU(conf.MTU); err != nil {
		glog.Warningf("SetMTU: %v", err)
	}
}

// echo copies every message received on sess back to its peer until
// the session closes or errors.
func echo(sess *kcp.Session) error {
	buf := make([]byte, 4096)
	for {
		n, err := sess.Read(buf)
		if err != nil {
			return errors.Wrapf(err, "session %d: read", sess.ConvID())
		}
		if _, err := sess.Write(buf[:n]); err != nil {
			return errors.Wrapf(err, "session %d: write", sess.ConvID())
		}
	}
}
