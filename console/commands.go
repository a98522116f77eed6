package console

import (
	"strings"

	"fwupdate-go/bank"
	"fwupdate-go/errcode"
	"fwupdate-go/ota"
	"fwupdate-go/x/conv"
	"fwupdate-go/x/logx"

	"github.com/google/shlex"
)

type command struct {
	name string
	help string
	run  func(r *Router, line []byte) error
}

// Matched in order by prefix, so no name may prefix an earlier one.
func commandTable() []command {
	return []command{
		{"help", "list commands", (*Router).cmdHelp},
		{"versionFw", "firmware version", (*Router).cmdVersion},
		{"info", "board and bank summary", (*Router).cmdInfo},
		{ota.Keyword, "start a firmware transfer", (*Router).cmdUpgrade},
		{"uid", "unique device id", (*Router).cmdUID},
		{"readBanks", "active bank and firmware ids", (*Router).cmdReadBanks},
		{"swapBanks", "boot the other bank after disconnect", (*Router).cmdSwapBanks},
		{"setName", "setName <name>: store the board name", (*Router).cmdSetName},
		{"reboot", "reboot after disconnect", (*Router).cmdReboot},
	}
}

func (r *Router) cmdHelp(_ []byte) error {
	var sb strings.Builder
	for _, c := range r.cmds {
		sb.WriteString(c.name)
		sb.WriteString("\t")
		sb.WriteString(c.help)
		sb.WriteString("\n")
	}
	r.replyString(sb.String())
	return nil
}

func (r *Router) versionString() string {
	return r.info.Platform + "_" + r.info.PackageName + "_" + r.info.Version
}

func (r *Router) cmdVersion(_ []byte) error {
	r.replyString(r.versionString() + "\r\n")
	return nil
}

func (r *Router) cmdInfo(_ []byte) error {
	r.replyString("\r\n" + r.info.PackageName + ":\n\tVersion " + r.info.Version + "\n\t" + r.info.Platform + " board\n")
	r.reply(append(conv.AppendUint([]byte("Current Bank ="), uint64(r.banks.ActiveBank())), '\n'))
	return nil
}

// cmdUpgrade answers with exactly four bytes: the CRC on acceptance, the
// refusal form otherwise.
func (r *Router) cmdUpgrade(line []byte) error {
	h, err := ota.DecodeHeader(line)
	if err != nil {
		logx.Warnf("[console] upgradeFw: %v", err)
		ack := ota.ShortRefusal(line)
		r.reply(ack[:])
		return nil
	}
	ack, err := r.m.Start(h.Size, h.CRC)
	if err != nil {
		if errcode.IsFatal(err) {
			return err
		}
		logx.Warnf("[console] upgradeFw size=%d max=%d: %v", h.Size, r.m.MaxImageSize(), err)
	} else {
		logx.Infof("[console] upgradeFw size=%d crc=%08x", h.Size, h.CRC)
	}
	r.reply(ack[:])
	return nil
}

func (r *Router) cmdUID(_ []byte) error {
	uid := "unknown"
	if r.uid != nil {
		uid = r.uid()
	}
	r.replyString(uid + "\n")
	return nil
}

func appendBankID(dst []byte, b bank.Bank, id uint16) []byte {
	dst = conv.AppendUint(append(dst, "\nBank"...), uint64(b))
	return conv.AppendHex(append(dst, " Id=0x"...), uint64(id), 4)
}

func (r *Router) cmdReadBanks(_ []byte) error {
	id0, id1, err := r.banks.BankFirmwareIDs()
	if err != nil {
		r.replyString("error: " + string(errcode.Of(err)) + "\n")
		return nil
	}
	out := conv.AppendUint([]byte("Current Bank ="), uint64(r.banks.ActiveBank()))
	out = appendBankID(out, bank.Bank0, id0)
	out = appendBankID(out, bank.Bank1, id1)
	r.reply(append(out, '\n'))
	return nil
}

// cmdSwapBanks schedules a swap only toward a bank holding a valid image.
func (r *Router) cmdSwapBanks(_ []byte) error {
	other := r.banks.InactiveBank()
	bankNo := string(conv.AppendUint(nil, uint64(other)))

	id, err := r.banks.Identity(other)
	if err == nil {
		err = r.sched.RequestSwap(id.ID)
	}
	if err != nil {
		logx.Warnf("[console] swapBanks refused: %v", err)
		r.replyString("Not Valid fw on Bank" + bankNo + "\n\tCommand Rejected\n")
		return nil
	}
	r.replyString("Swapping to Bank" + bankNo + " after disconnection\n")
	return nil
}

func (r *Router) cmdSetName(line []byte) error {
	args, err := shlex.Split(string(line))
	if err != nil || len(args) != 2 || args[1] == "" || len(args[1]) > bank.MaxNameLen {
		r.replyString("error: " + string(errcode.InvalidParams) + "\n")
		return nil
	}
	if err := r.banks.SetBankIdentity(r.info.FirmwareID, args[1]); err != nil {
		if errcode.IsFatal(err) {
			return err
		}
		r.replyString("error: " + string(errcode.Of(err)) + "\n")
		return nil
	}
	r.replyString("Name=" + args[1] + "\n")
	return nil
}

func (r *Router) cmdReboot(_ []byte) error {
	r.sched.RequestReboot()
	r.replyString("Reboot after disconnection\n")
	return nil
}
