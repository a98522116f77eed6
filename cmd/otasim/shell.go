//go:build !(rp2040 || rp2350)

package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"fwupdate-go/ota"
	"fwupdate-go/peer"
	"fwupdate-go/services/fwupdate"

	"github.com/abiosoft/ishell"
)

const (
	devKey   = "$device"
	localKey = "$local"
)

var errNotBooted = errors.New("device not booted")

func newShell(cur *atomic.Pointer[device]) *ishell.Shell {
	sh := ishell.New()
	sh.Set(devKey, cur)
	sh.SetPrompt("otasim > ")
	for _, cmd := range commands {
		sh.AddCmd(cmd)
	}
	return sh
}

func deviceFrom(c *ishell.Context) *device {
	return c.Get(devKey).(*atomic.Pointer[device]).Load()
}

func localFrom(c *ishell.Context) *localConn {
	lc, _ := c.Get(localKey).(*localConn)
	return lc
}

// mustBeBooted wraps a command that needs a running device.
func mustBeBooted(fn func(c *ishell.Context, d *device)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		d := deviceFrom(c)
		if d == nil {
			c.Err(errNotBooted)
			return
		}
		fn(c, d)
	}
}

// session returns the open local session, opening one if needed.
func session(c *ishell.Context, d *device) (*localConn, error) {
	if lc := localFrom(c); lc != nil && lc.fw == d.fw {
		return lc, nil
	}
	lc, err := openLocal(d.fw, d.tee)
	if err != nil {
		return nil, err
	}
	c.Set(localKey, lc)
	return lc, nil
}

var commands = []*ishell.Cmd{
	{
		Name: "status",
		Help: "show fwupdate/state",
		Func: mustBeBooted(func(c *ishell.Context, d *device) {
			if st, ok := d.retained(fwupdate.TopicState); ok {
				c.Printf("%+v\n", st)
			}
		}),
	},
	{
		Name: "banks",
		Help: "show fwupdate/banks",
		Func: mustBeBooted(func(c *ishell.Context, d *device) {
			if info, ok := d.retained(fwupdate.TopicBanks); ok {
				c.Printf("%+v\n", info)
			}
		}),
	},
	{
		Name: "send",
		Help: "TEXT  send a console command and print the answer",
		Func: mustBeBooted(func(c *ishell.Context, d *device) {
			lc, err := session(c, d)
			if err != nil {
				c.Err(err)
				return
			}
			out, err := peer.NewUploader(lc).Command(context.Background(), strings.Join(c.Args, " "))
			if err != nil {
				c.Err(err)
				return
			}
			c.Print(out)
		}),
	},
	{
		Name: "upload",
		Help: "FILE [ID]  upload an image, appending an identity trailer when ID is given",
		Func: mustBeBooted(func(c *ishell.Context, d *device) {
			if len(c.Args) == 0 {
				c.Err(errors.New("usage: upload FILE [ID]"))
				return
			}
			img, err := os.ReadFile(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			if len(c.Args) > 1 {
				id, err := strconv.ParseUint(c.Args[1], 0, 16)
				if err != nil {
					c.Err(err)
					return
				}
				img = ota.AppendTrailer(img, uint16(id))
			}
			lc, err := session(c, d)
			if err != nil {
				c.Err(err)
				return
			}
			c.ProgressBar().Start()
			up := peer.NewUploader(lc, peer.WithProgress(func(sent, total int) {
				c.ProgressBar().Progress(sent * 100 / total)
			}))
			sum, err := up.Upload(context.Background(), img)
			c.ProgressBar().Stop()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("validated, crc %08x; disconnect to swap\n", sum)
		}),
	},
	{
		Name: "disconnect",
		Help: "end the local session, releasing any pending swap or reboot",
		Func: func(c *ishell.Context) {
			lc := localFrom(c)
			if lc == nil {
				return
			}
			c.Set(localKey, (*localConn)(nil))
			if err := lc.Close(); err != nil {
				c.Err(err)
			}
		},
	},
	{
		Name: "reset",
		Help: "reboot the simulated board",
		Func: mustBeBooted(func(c *ishell.Context, d *device) {
			c.Set(localKey, (*localConn)(nil))
			d.requestReset()
		}),
	},
}
