//go:build !(rp2040 || rp2350)

// Command otaupload pushes a firmware image to a device over a serial link
// or BLE and optionally runs console commands first.
//
//	otaupload -port /dev/ttyACM0 -id 0x31 firmware.bin
//	otaupload -ble BLEDualBank -cmd readBanks
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"fwupdate-go/ota"
	"fwupdate-go/peer"
	"fwupdate-go/services/link"
	"fwupdate-go/types"
	"fwupdate-go/x/logx"

	"github.com/google/shlex"
)

func main() {
	port := flag.String("port", "", "Serial port of the device link.")
	baud := flag.Int("baud", 115200, "Serial baud rate.")
	bleName := flag.String("ble", "", "Connect over BLE to a device whose name contains this.")
	chunk := flag.Int("chunk", 20, "Data chunk size.")
	idFlag := flag.String("id", "", "Append an identity trailer with this firmware id.")
	cmds := flag.String("cmd", "", "Console commands to run, separated by spaces; quote to group.")
	timeout := flag.Duration("timeout", 10*time.Second, "Per-answer timeout.")
	flag.Parse()
	defer logx.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := dial(ctx, *port, *baud, *bleName)
	if err != nil {
		fail(err)
	}
	defer c.Close()

	up := peer.NewUploader(c,
		peer.WithChunkSize(*chunk),
		peer.WithAckTimeout(*timeout),
		peer.WithProgress(progress),
	)

	if *cmds != "" {
		words, err := shlex.Split(*cmds)
		if err != nil {
			fail(err)
		}
		for _, w := range words {
			out, err := up.Command(ctx, w)
			if err != nil {
				fail(err)
			}
			fmt.Print(out)
		}
	}

	if flag.NArg() == 0 {
		return
	}
	img, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fail(err)
	}
	if *idFlag != "" {
		id, err := strconv.ParseUint(*idFlag, 0, 16)
		if err != nil {
			fail(err)
		}
		img = ota.AppendTrailer(img, uint16(id))
	}
	sum, err := up.Upload(ctx, img)
	fmt.Println()
	if err != nil {
		fail(err)
	}
	fmt.Printf("image validated (crc %08x); the device swaps banks on disconnect\n", sum)
}

func dial(ctx context.Context, port string, baud int, bleName string) (peer.Conn, error) {
	switch {
	case bleName != "":
		return peer.DialBLE(ctx, bleName)
	case port != "":
		rwc, err := link.OpenSerial(types.SerialConfig{Port: port, Baud: baud, ReadTimeoutMs: 100})
		if err != nil {
			return nil, err
		}
		return peer.Dial(rwc, 0)
	default:
		return nil, fmt.Errorf("one of -port or -ble is required")
	}
}

func progress(sent, total int) {
	fmt.Printf("\r%d/%d bytes (%d%%)", sent, total, sent*100/total)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "otaupload:", err)
	logx.Flush()
	os.Exit(1)
}
