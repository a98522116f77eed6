//go:build !(rp2040 || rp2350)

// Command otasim runs the firmware update core on the host. Flash lives in
// an mmap'd file, the link is a serial port or MQTT broker, and an
// interactive shell drives a local console session.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"fwupdate-go/services/config"
	"fwupdate-go/x/logx"

	"github.com/denisbrodbeck/machineid"
	"gopkg.in/yaml.v3"
)

type options struct {
	flashPath  string
	device     string
	bankSize   int64
	eraseBlock int64
	writeBlock int64
	uid        string

	serial string
	mqtt   string
	mtu    int
	shell  bool
}

func parseFlags() options {
	o := options{}
	flag.StringVar(&o.flashPath, "flash", "otasim-flash.bin", "Flash image file.")
	flag.StringVar(&o.device, "device", "sim", "Embedded config to load.")
	flag.Int64Var(&o.bankSize, "bank-size", 512*1024, "Bytes per bank.")
	flag.Int64Var(&o.eraseBlock, "erase-block", 8*1024, "Erase block size.")
	flag.Int64Var(&o.writeBlock, "write-block", 16, "Program granularity.")
	flag.StringVar(&o.serial, "serial", "", "Serve the link on this serial port.")
	flag.StringVar(&o.mqtt, "mqtt", "", "Serve the link over this MQTT broker URL.")
	flag.IntVar(&o.mtu, "mtu", 0, "Link notification MTU override.")
	flag.BoolVar(&o.shell, "i", true, "Run the interactive shell.")
	flag.Parse()
	o.uid = deviceUID()
	return o
}

// deviceUID derives a stable 64-bit id from the host machine id, the way a
// board reports its silicon serial.
func deviceUID() string {
	id, err := machineid.ProtectedID("fwupdate-otasim")
	if err != nil {
		logx.Warnf("[otasim] machine id: %v", err)
		return "0000000000000000"
	}
	if b, err := hex.DecodeString(id); err == nil && len(b) >= 8 {
		return hex.EncodeToString(b[:8])
	}
	return id
}

// overrideLink patches the link section of the embedded config from flags.
func overrideLink(o options) {
	if o.serial == "" && o.mqtt == "" && o.mtu == 0 {
		return
	}
	base := config.EmbeddedConfigLookup
	config.EmbeddedConfigLookup = func(device string) ([]byte, bool) {
		raw, ok := base(device)
		if !ok {
			return raw, ok
		}
		var m map[string]any
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return raw, ok
		}
		lk, _ := m["link"].(map[string]any)
		if lk == nil {
			lk = map[string]any{}
		}
		switch {
		case o.mqtt != "":
			lk = map[string]any{"transport": "mqtt", "mtu": lk["mtu"], "mqtt": map[string]any{"url": o.mqtt, "topic": "fwupdate/" + o.uid}}
		case o.serial != "":
			lk = map[string]any{"transport": "serial", "mtu": lk["mtu"], "serial": map[string]any{"port": o.serial, "baud": 115200}}
		}
		if o.mtu > 0 {
			lk["mtu"] = o.mtu
		}
		m["link"] = lk
		out, err := yaml.Marshal(m)
		if err != nil {
			return raw, ok
		}
		return out, true
	}
}

func main() {
	o := parseFlags()
	defer logx.Flush()
	overrideLink(o)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cur atomic.Pointer[device]
	if o.shell {
		sh := newShell(&cur)
		go func() {
			sh.Run()
			stop()
		}()
		defer sh.Close()
	}

	for {
		d, err := boot(ctx, o)
		if err != nil {
			logx.Errorf("[otasim] boot: %v", err)
			os.Exit(1)
		}
		logx.Infof("[otasim] booted from bank %d (uid %s)", d.ctl.ActiveBank(), o.uid)
		cur.Store(d)

		select {
		case <-ctx.Done():
			cur.Store(nil)
			d.stop()
			return
		case <-d.reset:
			cur.Store(nil)
			d.stop()
			logx.Infof("[otasim] reset")
		}
	}
}
