package moq

import "fmt"

// HEVC NAL unit types carried in an HEVCDecoderConfigurationRecord.
const (
	hevcNALVPS = 32
	hevcNALSPS = 33
	hevcNALPPS = 34
)

// DecoderConfig is the content of an AVC or HEVC decoder configuration
// record: the parameter sets (without start codes) and the size of the
// NALU length prefix used by samples.
type DecoderConfig struct {
	VPS        [][]byte // HEVC only
	SPS        [][]byte
	PPS        [][]byte
	LengthSize int
}

// ParseAVCDecoderConfig parses an AVCDecoderConfigurationRecord
// (ISO 14496-15 §5.2.4.1.1), as carried in the catalog initData or the LOC
// video config extension.
func ParseAVCDecoderConfig(rec []byte) (DecoderConfig, error) {
	var cfg DecoderConfig
	r := newBufReader(rec)

	version, err := r.readByte()
	if err != nil {
		return cfg, &ParseError{Field: "configuration_version", Err: err}
	}
	if version != 1 {
		return cfg, fmt.Errorf("%w: avcC version %d", ErrInvalidConfig, version)
	}
	// profile, compatibility, level
	if _, err := r.readBytes(3); err != nil {
		return cfg, &ParseError{Field: "profile_level", Err: err}
	}
	lsm, err := r.readByte()
	if err != nil {
		return cfg, &ParseError{Field: "length_size", Err: err}
	}
	cfg.LengthSize = int(lsm&0x03) + 1

	numSPS, err := r.readByte()
	if err != nil {
		return cfg, &ParseError{Field: "num_sps", Err: err}
	}
	for i := 0; i < int(numSPS&0x1F); i++ {
		nalu, err := readU16Bytes(r)
		if err != nil {
			return cfg, &ParseError{Field: "sps", Err: err}
		}
		cfg.SPS = append(cfg.SPS, nalu)
	}

	numPPS, err := r.readByte()
	if err != nil {
		return cfg, &ParseError{Field: "num_pps", Err: err}
	}
	for i := 0; i < int(numPPS); i++ {
		nalu, err := readU16Bytes(r)
		if err != nil {
			return cfg, &ParseError{Field: "pps", Err: err}
		}
		cfg.PPS = append(cfg.PPS, nalu)
	}

	if len(cfg.SPS) == 0 {
		return cfg, fmt.Errorf("%w: no SPS", ErrInvalidConfig)
	}
	return cfg, nil
}

// ParseHEVCDecoderConfig parses an HEVCDecoderConfigurationRecord
// (ISO 14496-15 §8.3.3.1.2).
func ParseHEVCDecoderConfig(rec []byte) (DecoderConfig, error) {
	var cfg DecoderConfig
	r := newBufReader(rec)

	// Fixed 22-byte header; lengthSizeMinusOne sits in its last byte.
	hdr, err := r.readBytes(22)
	if err != nil {
		return cfg, &ParseError{Field: "header", Err: err}
	}
	if hdr[0] != 1 {
		return cfg, fmt.Errorf("%w: hvcC version %d", ErrInvalidConfig, hdr[0])
	}
	cfg.LengthSize = int(hdr[21]&0x03) + 1

	numArrays, err := r.readByte()
	if err != nil {
		return cfg, &ParseError{Field: "num_arrays", Err: err}
	}
	for i := 0; i < int(numArrays); i++ {
		typ, err := r.readByte()
		if err != nil {
			return cfg, &ParseError{Field: "nal_unit_type", Err: err}
		}
		countBytes, err := r.readBytes(2)
		if err != nil {
			return cfg, &ParseError{Field: "num_nalus", Err: err}
		}
		count := int(countBytes[0])<<8 | int(countBytes[1])
		for j := 0; j < count; j++ {
			nalu, err := readU16Bytes(r)
			if err != nil {
				return cfg, &ParseError{Field: "nalu", Err: err}
			}
			switch typ & 0x3F {
			case hevcNALVPS:
				cfg.VPS = append(cfg.VPS, nalu)
			case hevcNALSPS:
				cfg.SPS = append(cfg.SPS, nalu)
			case hevcNALPPS:
				cfg.PPS = append(cfg.PPS, nalu)
			}
		}
	}

	if len(cfg.SPS) == 0 {
		return cfg, fmt.Errorf("%w: no SPS", ErrInvalidConfig)
	}
	return cfg, nil
}

// BuildAVCDecoderConfig builds an AVCDecoderConfigurationRecord from raw
// SPS and PPS NAL data (without start codes). The SPS must include the NAL
// header byte (0x67).
func BuildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}

func readU16Bytes(r *bufReader) ([]byte, error) {
	lenBytes, err := r.readBytes(2)
	if err != nil {
		return nil, err
	}
	n := int(lenBytes[0])<<8 | int(lenBytes[1])
	b, err := r.readBytes(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}
