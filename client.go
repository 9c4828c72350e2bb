// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"iscsiclient/pkg/cli"
	"iscsiclient/pkg/iscsi_initiator"
	"iscsiclient/pkg/logger"
	"iscsiclient/pkg/scsi"

	"github.com/pkg/errors"
	"github.com/sanity-io/litter"
)

const (
	defaultInitiatorName    = "iqn.2018-01.com.networkoptix:iscsiclient"
	inquiryAllocationLength = 255
)

type Client struct {
	commands *cli.CommandList
}

func addCommonOptions(command *cli.Command) *cli.Command {
	return command.AddOption(
		"-i",
		"initiator_name",
		"iSCSI name this initiator logs in with",
		"iqn",
		defaultInitiatorName,
	).AddOption(
		"-T",
		"timeout",
		"deadline of the whole command",
		"duration",
		"30s",
	).AddOption(
		"-L",
		"log_level",
		"one of error, warning, info, debug",
		"level",
		"warning",
	)
}

func addTargetOptions(command *cli.Command) *cli.Command {
	return addCommonOptions(command).AddParameter(
		"-u",
		"url",
		"iscsi://[user[%password]@]host[:port]/target-iqn/lun",
		"url",
		true,
	).AddOption(
		"-H",
		"header_digest",
		"None, CRC32C, \"None,CRC32C\" or \"CRC32C,None\"",
		"digest",
		"none",
	).AddOption(
		"-D",
		"data_digest",
		"None, CRC32C, \"None,CRC32C\" or \"CRC32C,None\"",
		"digest",
		"none",
	)
}

func addDiscoverCli(commands *cli.CommandList) {
	addCommonOptions(commands.AddCommand(
		CommandDiscover,
		"Open a discovery session and list the targets of a portal.",
	)).AddParameter(
		"-p",
		"portal",
		"host[:port] of the portal",
		"portal",
		true,
	).AddParameter(
		"-U",
		"chap_user",
		"CHAP user name",
		"user",
		false,
	).AddParameter(
		"-P",
		"chap_password",
		"CHAP secret",
		"secret",
		false,
	)
}

func addProbeCli(commands *cli.CommandList) {
	addTargetOptions(commands.AddCommand(
		CommandProbe,
		"Log in, check that the logical unit is ready, print its capacity"+
			" and the negotiated parameters, log out.",
	))
}

func addPingCli(commands *cli.CommandList) {
	addTargetOptions(commands.AddCommand(
		CommandPing,
		"Send NOP-Out pings and wait for the echo.",
	)).AddOption(
		"-c",
		"count",
		"number of pings",
		"count",
		"3",
	).AddOption(
		"-s",
		"size",
		"bytes of ping data",
		"size",
		"0",
	).AddOption(
		"-w",
		"interval",
		"pause between pings",
		"duration",
		"1s",
	)
}

func addReadCli(commands *cli.CommandList) {
	addTargetOptions(commands.AddCommand(
		CommandRead,
		"Read blocks with READ(10) and print a hex dump.",
	)).AddOption(
		"-l",
		"lba",
		"first logical block",
		"lba",
		"0",
	).AddOption(
		"-n",
		"blocks",
		"number of blocks",
		"count",
		"1",
	)
}

func NewClient() Client {
	commands := cli.NewCommandList(
		"iscsiclient",
		"a tool to talk to iSCSI targets\n",
	)
	addDiscoverCli(commands)
	addProbeCli(commands)
	addPingCli(commands)
	addReadCli(commands)
	return Client{commands: commands}
}

const (
	CommandDiscover = "discover"
	CommandProbe    = "probe"
	CommandPing     = "ping"
	CommandRead     = "read"
)

func (client Client) configure(command *cli.Command, config *iscsi_initiator.Config) error {
	initiatorName, err := command.GetParameter("initiator_name")
	if err != nil {
		return err
	}
	config.InitiatorName = initiatorName
	timeout, err := command.GetDuration("timeout")
	if err != nil {
		return err
	}
	config.ScsiTimeout = timeout
	if timeout < config.LoginTimeout {
		config.LoginTimeout = timeout
	}
	// a one-shot command gives up instead of waiting for the target to come back
	config.ReconnectMaxRetries = 1
	config.LoginRetries = 0
	return nil
}

// openSession logs in and leaves the session driven by a background goroutine.
func (client Client) openSession(ctx context.Context, config iscsi_initiator.Config) (*iscsi_initiator.Session, error) {
	session, err := iscsi_initiator.NewSession(config)
	if err != nil {
		return nil, err
	}
	session.Start(ctx)
	if err := session.Login(ctx); err != nil {
		session.Stop()
		session.Close()
		return nil, errors.Wrapf(err, "login to %s", config.TargetAddress)
	}
	logger.GetLogger().Infof("Logged in to %s at %s", config.TargetName, session.Address())
	return session, nil
}

func closeSession(session *iscsi_initiator.Session, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := session.LogoutAndClose(ctx); err != nil {
		logger.GetLogger().Warnf("Logout: %s", err)
	}
	session.Stop()
}

// openTarget parses the url of the command and logs in to the target it names.
func (client Client) openTarget(ctx context.Context, command *cli.Command) (*iscsi_initiator.Session, uint64, error) {
	rawURL, err := command.GetParameter("url")
	if err != nil {
		return nil, 0, err
	}
	address, err := iscsi_initiator.ParseURL(rawURL)
	if err != nil {
		return nil, 0, err
	}
	if address.Target == "" {
		return nil, 0, fmt.Errorf("url %s names no target", rawURL)
	}
	config := iscsi_initiator.DefaultConfig()
	if err := client.configure(command, &config); err != nil {
		return nil, 0, err
	}
	address.Configure(&config)
	for name, preference := range map[string]*iscsi_initiator.DigestPreference{
		"header_digest": &config.HeaderDigest,
		"data_digest":   &config.DataDigest,
	} {
		if !command.IsSet(name) {
			continue
		}
		value, _ := command.GetParameter(name)
		parsed, err := iscsi_initiator.ParseDigestPreference(value)
		if err != nil {
			return nil, 0, err
		}
		*preference = parsed
	}
	session, err := client.openSession(ctx, config)
	if err != nil {
		return nil, 0, err
	}
	return session, address.LUN, nil
}

// execute submits a task and waits for it. Anything but GOOD is an error.
func execute(ctx context.Context, session *iscsi_initiator.Session, lun uint64, task *scsi.Task) (iscsi_initiator.Result, error) {
	handle, err := session.Submit(lun, task, iscsi_initiator.SubmitOptions{})
	if err != nil {
		return iscsi_initiator.Result{}, err
	}
	result, err := handle.Wait(ctx)
	if err != nil {
		_ = session.Cancel(handle)
		return result, errors.Wrapf(err, "%s", task)
	}
	if result.Status != iscsi_initiator.StatusGood {
		if result.Sense != nil {
			return result, fmt.Errorf("%s: %s, sense %s", task, result, result.Sense)
		}
		return result, fmt.Errorf("%s: %s", task, result)
	}
	return result, nil
}

// readCapacity retries once after a unit attention, which the first command after login often gets.
func readCapacity(ctx context.Context, session *iscsi_initiator.Session, lun uint64) (scsi.ReadCapacity, error) {
	var result iscsi_initiator.Result
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		result, err = execute(ctx, session, lun, scsi.NewReadCapacity10())
		if err == nil || result.Sense == nil || !result.Sense.IsUnitAttention() {
			break
		}
	}
	if err != nil {
		return scsi.ReadCapacity{}, err
	}
	return scsi.ParseReadCapacity10(result.Data)
}

// printInquiry prints the standard INQUIRY data. Targets may lack the
// serial number and identification pages, those are optional.
func printInquiry(ctx context.Context, session *iscsi_initiator.Session, lun uint64) error {
	log := logger.GetLogger()
	result, err := execute(ctx, session, lun, scsi.NewInquiry(inquiryAllocationLength))
	if err != nil {
		return err
	}
	inquiry, err := scsi.ParseStandardInquiry(result.Data)
	if err != nil {
		return err
	}
	fmt.Printf("Device: %s\n", inquiry)
	if !inquiry.Connected() {
		return fmt.Errorf("no device is connected to LUN %d", lun)
	}
	result, err = execute(ctx, session, lun, scsi.NewInquiryVPD(scsi.UnitSerialNumberVpdPageCode, inquiryAllocationLength))
	if err != nil {
		log.Infof("Unit serial number page: %s", err)
	} else if serial, err := scsi.ParseUnitSerialNumber(result.Data); err != nil {
		log.Infof("Unit serial number page: %s", err)
	} else {
		fmt.Printf("Serial: %s\n", serial)
	}
	result, err = execute(ctx, session, lun, scsi.NewInquiryVPD(scsi.DeviceIdentificationVpdPageCode, inquiryAllocationLength))
	if err != nil {
		log.Infof("Device identification page: %s", err)
		return nil
	}
	designators, err := scsi.ParseDeviceIdentification(result.Data)
	for _, designator := range designators {
		fmt.Printf("    %s\n", designator)
	}
	if err != nil {
		log.Infof("Device identification page: %s", err)
	}
	return nil
}

func commandContext(command *cli.Command) (context.Context, context.CancelFunc, time.Duration, error) {
	timeout, err := command.GetDuration("timeout")
	if err != nil {
		return nil, nil, 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return ctx, cancel, timeout, nil
}

func (client Client) PerformDiscover(command *cli.Command) error {
	ctx, cancel, timeout, err := commandContext(command)
	if err != nil {
		return err
	}
	defer cancel()
	portal, err := command.GetParameter("portal")
	if err != nil {
		return err
	}
	config := iscsi_initiator.DefaultConfig()
	if err := client.configure(command, &config); err != nil {
		return err
	}
	config.SessionType = iscsi_initiator.SessionDiscovery
	config.TargetAddress = portal
	if command.IsSet("chap_user") {
		config.CHAP.Username, _ = command.GetParameter("chap_user")
		config.CHAP.Password, _ = command.GetParameter("chap_password")
	}
	session, err := client.openSession(ctx, config)
	if err != nil {
		return err
	}
	defer closeSession(session, timeout)
	targets, err := session.Discover(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Printf("No targets at %s\n", portal)
		return nil
	}
	for _, target := range targets {
		fmt.Println(target.Name)
		for _, address := range target.Addresses {
			fmt.Printf("    %s\n", address)
		}
	}
	return nil
}

func (client Client) PerformProbe(command *cli.Command) error {
	ctx, cancel, timeout, err := commandContext(command)
	if err != nil {
		return err
	}
	defer cancel()
	session, lun, err := client.openTarget(ctx, command)
	if err != nil {
		return err
	}
	defer closeSession(session, timeout)
	result, err := execute(ctx, session, lun, scsi.NewTestUnitReady())
	switch {
	case err == nil:
		fmt.Printf("LUN %d is ready\n", lun)
	case result.Sense != nil && result.Sense.IsUnitAttention():
		fmt.Printf("LUN %d reported %s\n", lun, result.Sense)
	default:
		return err
	}
	if err := printInquiry(ctx, session, lun); err != nil {
		return err
	}
	capacity, err := readCapacity(ctx, session, lun)
	if err != nil {
		return err
	}
	fmt.Printf(
		"Capacity: %d blocks of %d bytes, %d bytes total\n",
		uint64(capacity.LastLogicalBlockAddress)+1,
		capacity.BlockSize,
		capacity.Bytes(),
	)
	fmt.Printf("TSIH %d, negotiated parameters:\n", session.TSIH())
	fmt.Println(litter.Sdump(session.Parameters()))
	return nil
}

func (client Client) PerformPing(command *cli.Command) error {
	ctx, cancel, timeout, err := commandContext(command)
	if err != nil {
		return err
	}
	defer cancel()
	count, err := command.GetUint("count", 32)
	if err != nil {
		return err
	}
	size, err := command.GetUint("size", 24)
	if err != nil {
		return err
	}
	interval, err := command.GetDuration("interval")
	if err != nil {
		return err
	}
	session, _, err := client.openTarget(ctx, command)
	if err != nil {
		return err
	}
	defer closeSession(session, timeout)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	for sequence := uint64(0); sequence < count; sequence++ {
		if sequence > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		started := time.Now()
		handle, err := session.Ping(data, iscsi_initiator.SubmitOptions{})
		if err != nil {
			return err
		}
		result, err := handle.Wait(ctx)
		if err != nil {
			_ = session.Cancel(handle)
			return err
		}
		if result.Status != iscsi_initiator.StatusGood {
			return fmt.Errorf("ping %d: %s", sequence, result)
		}
		if !bytes.Equal(result.Data, data) {
			return fmt.Errorf("ping %d: target echoed %d bytes that differ from the %d sent", sequence, len(result.Data), len(data))
		}
		fmt.Printf("%d bytes from %s: seq=%d time=%s\n", len(result.Data), session.Address(), sequence, time.Since(started))
	}
	return nil
}

func (client Client) PerformRead(command *cli.Command) error {
	ctx, cancel, timeout, err := commandContext(command)
	if err != nil {
		return err
	}
	defer cancel()
	lba, err := command.GetUint("lba", 32)
	if err != nil {
		return err
	}
	blocks, err := command.GetUint("blocks", 16)
	if err != nil {
		return err
	}
	if blocks == 0 {
		return fmt.Errorf("nothing to read")
	}
	session, lun, err := client.openTarget(ctx, command)
	if err != nil {
		return err
	}
	defer closeSession(session, timeout)
	capacity, err := readCapacity(ctx, session, lun)
	if err != nil {
		return err
	}
	if lba+blocks > uint64(capacity.LastLogicalBlockAddress)+1 {
		return fmt.Errorf(
			"blocks %d-%d are past the end of the LUN, the last block is %d",
			lba, lba+blocks-1, capacity.LastLogicalBlockAddress,
		)
	}
	result, err := execute(ctx, session, lun, scsi.NewRead10(uint32(lba), uint16(blocks), capacity.BlockSize))
	if err != nil {
		return err
	}
	fmt.Print(hex.Dump(result.Data))
	return nil
}

func (client Client) PerformCommand() error {
	commandName, command := client.commands.GetCurrentCommand()
	if command == nil {
		return fmt.Errorf(
			"command is nil, probably an" +
				" implementation issue of command line arguments parsing",
		)
	}
	levelName, err := command.GetParameter("log_level")
	if err != nil {
		return err
	}
	level, err := logger.ParseLogLevel(levelName)
	if err != nil {
		return err
	}
	logger.SetLoggingConfig(level)
	switch commandName {
	case CommandDiscover:
		return client.PerformDiscover(command)
	case CommandProbe:
		return client.PerformProbe(command)
	case CommandPing:
		return client.PerformPing(command)
	case CommandRead:
		return client.PerformRead(command)
	case "":
		return fmt.Errorf("received empty command type name")
	default:
		return fmt.Errorf("unknown command name %s", commandName)
	}
}
