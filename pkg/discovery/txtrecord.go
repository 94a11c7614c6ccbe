package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXTRecordMap holds TXT key/value pairs.
type TXTRecordMap map[string]string

// EncodeAccessoryTXT builds the TXT record for info.
func EncodeAccessoryTXT(info *AccessoryInfo) TXTRecordMap {
	cn := info.ConfigNumber
	if cn == 0 {
		cn = 1
	}
	txt := TXTRecordMap{
		TXTKeyConfigNumber: strconv.FormatUint(uint64(cn), 10),
		TXTKeyFeatureFlags: "0",
		TXTKeyDeviceID:     info.DeviceID,
		TXTKeyModel:        info.Model,
		TXTKeyProtocol:     ProtocolVersion,
		TXTKeyStateNumber:  "1",
		TXTKeyStatusFlags:  strconv.Itoa(info.StatusFlags()),
		TXTKeyCategory:     strconv.Itoa(info.Category),
	}
	if info.SetupID != "" {
		txt[TXTKeySetupHash] = SetupHash(info.SetupID, info.DeviceID)
	}
	return txt
}

// DecodeAccessoryTXT parses a browsed TXT record. id and c# are required;
// the numeric keys must parse when present.
func DecodeAccessoryTXT(txt TXTRecordMap) (*AccessoryService, error) {
	svc := &AccessoryService{
		DeviceID:  txt[TXTKeyDeviceID],
		Model:     txt[TXTKeyModel],
		Protocol:  txt[TXTKeyProtocol],
		SetupHash: txt[TXTKeySetupHash],
	}
	if svc.DeviceID == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyDeviceID)
	}

	cn, ok := txt[TXTKeyConfigNumber]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyConfigNumber)
	}
	n, err := strconv.ParseUint(cn, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyConfigNumber, cn)
	}
	svc.ConfigNumber = uint32(n)

	if v, ok := txt[TXTKeyStatusFlags]; ok {
		if svc.StatusFlags, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyStatusFlags, v)
		}
	}
	if v, ok := txt[TXTKeyCategory]; ok {
		if svc.Category, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyCategory, v)
		}
	}
	return svc, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings in
// key order.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings. A bare key maps to "".
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrMissingRequired)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
