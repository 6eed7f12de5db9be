package main

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// configRepr mirrors the on-disk TOML layout: which side to run as,
// the two endpoints, and every tunable the core ARQ/FEC engine
// exposes.
type configRepr struct {
	Mode string `toml:"mode"` // "client" or "server"

	Listen string `toml:"listen"` // server: local bind addr; client: unused
	Remote string `toml:"remote"` // client: dial addr; server: unused

	MTU        int  `toml:"mtu"`
	SndWnd     int  `toml:"snd_wnd"`
	RcvWnd     int  `toml:"rcv_wnd"`
	NoDelay    bool `toml:"nodelay"`
	Interval   int  `toml:"interval"`
	Resend     int  `toml:"resend"`
	NoCongCtrl bool `toml:"no_cong_ctrl"`

	FEC struct {
		DataShards   int `toml:"data_shards"`
		ParityShards int `toml:"parity_shards"`
	} `toml:"fec"`

	DSCP          int `toml:"dscp"`
	KeepAliveSecs int `toml:"keepalive_secs"`
}

func newConfigRepr(fpath string) (*configRepr, error) {
	var conf configRepr
	if _, err := toml.DecodeFile(fpath, &conf); err != nil {
		return nil, errors.WithStack(err)
	}
	if conf.MTU == 0 {
		conf.MTU = 1400
	}
	if conf.SndWnd == 0 {
		conf.SndWnd = 128
	}
	if conf.RcvWnd == 0 {
		conf.RcvWnd = 128
	}
	if conf.KeepAliveSecs == 0 {
		conf.KeepAliveSecs = 10
	}
	return &conf, nil
}
