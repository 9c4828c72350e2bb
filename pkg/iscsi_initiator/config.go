// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_initiator

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"iscsiclient/pkg/transport"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const DefaultPort = 3260

const maxNameLength = 223

type SessionType int

const (
	SessionNormal SessionType = iota
	SessionDiscovery
)

func (sessionType SessionType) String() string {
	if sessionType == SessionDiscovery {
		return "Discovery"
	}
	return "Normal"
}

// ISID is the initiator part of the session identifier (rfc7143 11.12.5).
type ISID [6]byte

// NewISID returns a random qualifier ISID: type 0x2 in the top bits, the rest random.
func NewISID() ISID {
	var isid ISID
	random := uuid.NewV4()
	copy(isid[:], random.Bytes())
	isid[0] = 0x80 | isid[0]&0x3f
	return isid
}

func (isid ISID) IsZero() bool {
	return isid == ISID{}
}

func (isid ISID) Uint64() uint64 {
	return uint64FromByte(isid[:])
}

type CHAPConfig struct {
	Username string
	Password string
	// TargetUsername and TargetPassword enable mutual CHAP.
	TargetUsername string
	TargetPassword string
	// Algorithms in order of preference. Empty means SHA256, SHA1, MD5.
	Algorithms []CHAPAlgorithm
}

func (chap CHAPConfig) enabled() bool {
	return chap.Username != "" || chap.Password != ""
}

func (chap CHAPConfig) mutual() bool {
	return chap.TargetUsername != "" || chap.TargetPassword != ""
}

type ReconnectBackoff struct {
	Initial     time.Duration
	Max         time.Duration
	Exponential bool
}

// delay is the wait before the given attempt. The first attempt starts at once.
func (backoff ReconnectBackoff) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	if !backoff.Exponential {
		return backoff.Initial
	}
	delay := backoff.Initial
	for i := 2; i < attempt; i++ {
		delay *= 2
		if backoff.Max > 0 && delay >= backoff.Max {
			return backoff.Max
		}
	}
	if backoff.Max > 0 && delay > backoff.Max {
		return backoff.Max
	}
	return delay
}

type Config struct {
	InitiatorName  string
	InitiatorAlias string
	TargetName     string
	// TargetAddress is host[:port] of the portal.
	TargetAddress string
	SessionType   SessionType
	// ISID is generated when left zero.
	ISID ISID
	CHAP CHAPConfig

	HeaderDigest             DigestPreference
	DataDigest               DigestPreference
	MaxBurstLength           uint32
	FirstBurstLength         uint32
	MaxRecvDataSegmentLength uint32
	InitialR2T               bool
	ImmediateData            bool

	// ScsiTimeout is the default deadline of a submitted request. Zero disables it.
	ScsiTimeout  time.Duration
	LoginTimeout time.Duration

	AutoReconnect bool
	// ReconnectMaxRetries bounds consecutive reconnect attempts, -1 retries forever.
	ReconnectMaxRetries int
	ReconnectBackoff    ReconnectBackoff
	// NoUAOnReconnect reissues a requeued command once if it fails with UNIT ATTENTION.
	NoUAOnReconnect bool

	// NopInterval enables keepalive NOP-Outs. Zero disables them.
	NopInterval     time.Duration
	MaxNopsInFlight int

	DataDigestCoversPadding bool
	MaxQueuedCommands       int
	// LoginRetries is the number of extra attempts of the blocking Login.
	LoginRetries uint

	NewTransport func() Transport
	OnAsyncEvent func(event AsyncEvent)
}

func DefaultConfig() Config {
	return Config{
		SessionType:              SessionNormal,
		HeaderDigest:             DigestPreferNone,
		DataDigest:               DigestPreferNone,
		MaxBurstLength:           262144,
		FirstBurstLength:         262144,
		MaxRecvDataSegmentLength: 262144,
		InitialR2T:               false,
		ImmediateData:            true,
		ScsiTimeout:              0,
		LoginTimeout:             30 * time.Second,
		AutoReconnect:            true,
		ReconnectMaxRetries:      -1,
		ReconnectBackoff: ReconnectBackoff{
			Initial:     time.Second,
			Max:         30 * time.Second,
			Exponential: true,
		},
		NopInterval:             0,
		MaxNopsInFlight:         3,
		DataDigestCoversPadding: true,
		MaxQueuedCommands:       4096,
		LoginRetries:            2,
		NewTransport: func() Transport {
			return transport.NewTCP(transport.DefaultTCPConfig())
		},
	}
}

// validate normalizes names and fills generated fields in place.
func (config *Config) validate() error {
	var err error
	if config.InitiatorName == "" {
		return errors.New("initiator name is required")
	}
	if config.InitiatorName, err = NormalizeName(config.InitiatorName); err != nil {
		return errors.Wrap(err, "initiator name")
	}
	if config.SessionType == SessionNormal {
		if config.TargetName == "" {
			return errors.New("target name is required for a normal session")
		}
		if config.TargetName, err = NormalizeName(config.TargetName); err != nil {
			return errors.Wrap(err, "target name")
		}
	}
	if config.TargetAddress == "" {
		return errors.New("target address is required")
	}
	config.TargetAddress = withDefaultPort(config.TargetAddress)
	if config.ISID.IsZero() {
		config.ISID = NewISID()
	}
	if config.NewTransport == nil {
		config.NewTransport = DefaultConfig().NewTransport
	}
	if config.MaxQueuedCommands <= 0 {
		config.MaxQueuedCommands = DefaultConfig().MaxQueuedCommands
	}
	if config.MaxNopsInFlight <= 0 {
		config.MaxNopsInFlight = 1
	}
	if config.MaxRecvDataSegmentLength == 0 {
		config.MaxRecvDataSegmentLength = DefaultParameters().MaxRecvDataSegmentLength
	}
	for _, algorithm := range config.CHAP.Algorithms {
		if _, ok := chapAlgorithms[algorithm]; !ok {
			return errors.Errorf("unsupported chap algorithm %d", algorithm)
		}
	}
	return nil
}

func (config *Config) offeredParameters() Parameters {
	parameters := DefaultParameters()
	parameters.MaxBurstLength = clampOffer(config.MaxBurstLength, parameters.MaxBurstLength)
	parameters.FirstBurstLength = clampOffer(config.FirstBurstLength, parameters.FirstBurstLength)
	if parameters.FirstBurstLength > parameters.MaxBurstLength {
		parameters.FirstBurstLength = parameters.MaxBurstLength
	}
	parameters.MaxRecvDataSegmentLength = clampOffer(config.MaxRecvDataSegmentLength, parameters.MaxRecvDataSegmentLength)
	parameters.InitialR2T = config.InitialR2T
	parameters.ImmediateData = config.ImmediateData
	parameters.HeaderDigest = config.HeaderDigest == DigestCRC32COnly
	parameters.DataDigest = config.DataDigest == DigestCRC32COnly
	return parameters
}

func clampOffer(value, def uint32) uint32 {
	if value == 0 {
		return def
	}
	return uint32(clamp(uint(value), 512, 16777215))
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	host := strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(DefaultPort))
}

var nameTransformer = transform.Chain(norm.NFKC, runes.Map(unicode.ToLower))

// NormalizeName maps an iSCSI name to its canonical form (rfc3722) and checks its format.
func NormalizeName(name string) (string, error) {
	normalized, _, err := transform.String(nameTransformer, strings.TrimSpace(name))
	if err != nil {
		return "", errors.Wrapf(err, "normalize %q", name)
	}
	if len(normalized) > maxNameLength {
		return "", errors.Errorf("iscsi name %q is longer than %d bytes", normalized, maxNameLength)
	}
	switch {
	case strings.HasPrefix(normalized, "iqn."):
		// iqn.yyyy-mm.reversed-domain[:identifier]
		if len(normalized) < len("iqn.yyyy-mm.x") || normalized[8] != '-' {
			return "", errors.Errorf("malformed iqn name %q", normalized)
		}
	case strings.HasPrefix(normalized, "eui."):
		if len(normalized) != len("eui.")+16 {
			return "", errors.Errorf("malformed eui name %q", normalized)
		}
	case strings.HasPrefix(normalized, "naa."):
		if length := len(normalized) - len("naa."); length != 16 && length != 32 {
			return "", errors.Errorf("malformed naa name %q", normalized)
		}
	default:
		return "", errors.Errorf("iscsi name %q has no iqn., eui. or naa. prefix", normalized)
	}
	return normalized, nil
}

// URL is a parsed iscsi://[user[%password]@]host[:port]/target-iqn/lun address.
type URL struct {
	Portal         string
	Target         string
	LUN            uint64
	User           string
	Password       string
	TargetUser     string
	TargetPassword string
	HeaderDigest   *DigestPreference
	DataDigest     *DigestPreference
}

func ParseURL(raw string) (*URL, error) {
	const scheme = "iscsi://"
	if !strings.HasPrefix(strings.ToLower(raw), scheme) {
		return nil, errors.Errorf("url %q does not start with %s", raw, scheme)
	}
	rest := raw[len(scheme):]
	result := &URL{}
	authority := rest
	if slash := strings.Index(rest, "/"); slash >= 0 {
		authority = rest[:slash]
	}
	// the password separator is '%', which net/url would take for an escape
	if at := strings.LastIndex(authority, "@"); at >= 0 {
		userInfo := authority[:at]
		rest = rest[at+1:]
		if separator := strings.Index(userInfo, "%"); separator >= 0 {
			result.User = userInfo[:separator]
			result.Password = userInfo[separator+1:]
		} else {
			result.User = userInfo
		}
	}
	parsed, err := url.Parse("iscsi://" + rest)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", raw)
	}
	if parsed.Host == "" {
		return nil, errors.Errorf("url %q has no portal", raw)
	}
	result.Portal = withDefaultPort(parsed.Host)
	path := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(path) > 2 {
		return nil, errors.Errorf("url %q has an invalid path", raw)
	}
	if path[0] != "" {
		result.Target = path[0]
	}
	if len(path) == 2 {
		result.LUN, err = strconv.ParseUint(path[1], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid lun in %q", raw)
		}
	}
	query := parsed.Query()
	result.TargetUser = query.Get("target_user")
	result.TargetPassword = query.Get("target_password")
	for key, destination := range map[string]**DigestPreference{
		"header_digest": &result.HeaderDigest,
		"data_digest":   &result.DataDigest,
	} {
		if !query.Has(key) {
			continue
		}
		preference, err := ParseDigestPreference(query.Get(key))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s in %q", key, raw)
		}
		*destination = &preference
	}
	return result, nil
}

// Configure copies the portal, target and credentials into config.
func (address *URL) Configure(config *Config) {
	config.TargetAddress = address.Portal
	if address.Target != "" {
		config.TargetName = address.Target
	}
	if address.User != "" {
		config.CHAP.Username = address.User
		config.CHAP.Password = address.Password
	}
	if address.TargetUser != "" {
		config.CHAP.TargetUsername = address.TargetUser
		config.CHAP.TargetPassword = address.TargetPassword
	}
	if address.HeaderDigest != nil {
		config.HeaderDigest = *address.HeaderDigest
	}
	if address.DataDigest != nil {
		config.DataDigest = *address.DataDigest
	}
}
