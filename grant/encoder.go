package grant

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/bvandersloot-mozilla/top-level-storage-access/site"
)

const (
	policyRecordVersionV1 = 1
	grantRecordVersionV1  = 1
)

var (
	ErrRecordCorrupt = errors.New("storage record corrupt")
)

func encodePolicy(p *Policy) ([]byte, error) {
	if p == nil {
		return nil, ErrRecordCorrupt
	}
	switch p.Kind {
	case PolicyAllowAll, PolicySiteList, PolicyRemoteQuery:
	default:
		return nil, ErrRecordCorrupt
	}

	var buf bytes.Buffer
	buf.WriteByte(policyRecordVersionV1)
	buf.WriteByte(byte(p.Kind))

	if err := binary.Write(&buf, binary.BigEndian, p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := writeString(&buf, p.Version); err != nil {
		return nil, err
	}

	switch p.Kind {
	case PolicySiteList:
		if len(p.Sites) > 65535 {
			return nil, ErrRecordCorrupt
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(p.Sites))); err != nil {
			return nil, err
		}
		for _, s := range p.Sites {
			if err := writeString(&buf, s.String()); err != nil {
				return nil, err
			}
		}
	case PolicyRemoteQuery:
		if err := writeString(&buf, p.QueryURI); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

func decodePolicy(data []byte) (*Policy, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrRecordCorrupt
	}
	if version != policyRecordVersionV1 {
		return nil, ErrRecordCorrupt
	}

	kindByte, err := reader.ReadByte()
	if err != nil {
		return nil, ErrRecordCorrupt
	}
	p := &Policy{Kind: PolicyKind(kindByte)}

	if err := binary.Read(reader, binary.BigEndian, &p.UpdatedAt); err != nil {
		return nil, ErrRecordCorrupt
	}
	if p.Version, err = readString(reader); err != nil {
		return nil, ErrRecordCorrupt
	}

	switch p.Kind {
	case PolicyAllowAll:
	case PolicySiteList:
		var count uint16
		if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
			return nil, ErrRecordCorrupt
		}
		p.Sites = make([]site.Site, 0, count)
		for i := 0; i < int(count); i++ {
			raw, err := readString(reader)
			if err != nil {
				return nil, ErrRecordCorrupt
			}
			s, err := site.Parse(raw)
			if err != nil {
				return nil, ErrRecordCorrupt
			}
			p.Sites = append(p.Sites, s)
		}
	case PolicyRemoteQuery:
		if p.QueryURI, err = readString(reader); err != nil {
			return nil, ErrRecordCorrupt
		}
	default:
		return nil, ErrRecordCorrupt
	}

	return p, nil
}

func encodeGrant(g *Grant) ([]byte, error) {
	if g == nil {
		return nil, ErrRecordCorrupt
	}

	var buf bytes.Buffer
	buf.WriteByte(grantRecordVersionV1)

	if err := binary.Write(&buf, binary.BigEndian, g.GrantedAt); err != nil {
		return nil, err
	}
	if err := writeString(&buf, g.RPSite.String()); err != nil {
		return nil, err
	}
	if err := writeString(&buf, g.IDPOrigin.String()); err != nil {
		return nil, err
	}
	if err := writeString(&buf, g.ConsentOrigin); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeGrant(data []byte) (*Grant, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, ErrRecordCorrupt
	}
	if version != grantRecordVersionV1 {
		return nil, ErrRecordCorrupt
	}

	g := &Grant{}
	if err := binary.Read(reader, binary.BigEndian, &g.GrantedAt); err != nil {
		return nil, ErrRecordCorrupt
	}

	rawRP, err := readString(reader)
	if err != nil {
		return nil, ErrRecordCorrupt
	}
	if g.RPSite, err = site.Parse(rawRP); err != nil {
		return nil, ErrRecordCorrupt
	}

	rawIDP, err := readString(reader)
	if err != nil {
		return nil, ErrRecordCorrupt
	}
	if g.IDPOrigin, err = site.ParseOrigin(rawIDP); err != nil {
		return nil, ErrRecordCorrupt
	}

	if g.ConsentOrigin, err = readString(reader); err != nil {
		return nil, ErrRecordCorrupt
	}

	return g, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return ErrRecordCorrupt
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var length uint16
	if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
		return "", err
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return "", err
	}
	return string(out), nil
}
