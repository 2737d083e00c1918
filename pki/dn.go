package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

type attributeType struct {
	oid asn1.ObjectIdentifier
	tag int
}

var distinguishedNameTypes = map[string]attributeType{
	"CN":           {asn1.ObjectIdentifier{2, 5, 4, 3}, asn1.TagUTF8String},
	"SURNAME":      {asn1.ObjectIdentifier{2, 5, 4, 4}, asn1.TagUTF8String},
	"SERIALNUMBER": {asn1.ObjectIdentifier{2, 5, 4, 5}, asn1.TagPrintableString},
	"C":            {asn1.ObjectIdentifier{2, 5, 4, 6}, asn1.TagPrintableString},
	"L":            {asn1.ObjectIdentifier{2, 5, 4, 7}, asn1.TagUTF8String},
	"ST":           {asn1.ObjectIdentifier{2, 5, 4, 8}, asn1.TagUTF8String},
	"STREET":       {asn1.ObjectIdentifier{2, 5, 4, 9}, asn1.TagUTF8String},
	"O":            {asn1.ObjectIdentifier{2, 5, 4, 10}, asn1.TagUTF8String},
	"OU":           {asn1.ObjectIdentifier{2, 5, 4, 11}, asn1.TagUTF8String},
	"T":            {asn1.ObjectIdentifier{2, 5, 4, 12}, asn1.TagUTF8String},
	"POSTALCODE":   {asn1.ObjectIdentifier{2, 5, 4, 17}, asn1.TagUTF8String},
	"GIVENNAME":    {asn1.ObjectIdentifier{2, 5, 4, 42}, asn1.TagUTF8String},
	"UID":          {asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}, asn1.TagUTF8String},
	"DC":           {asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}, asn1.TagIA5String},
	"E":            {asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}, asn1.TagIA5String},
}

func init() {
	distinguishedNameTypes["S"] = distinguishedNameTypes["ST"]
	distinguishedNameTypes["TITLE"] = distinguishedNameTypes["T"]
	distinguishedNameTypes["EMAILADDRESS"] = distinguishedNameTypes["E"]
}

// ParseDistinguishedName parses an RFC 4514 string such as
// "CN=CA,O=it-result.me,C=RU". The string lists the most specific RDN first;
// the returned sequence is in encoding order, most general first. Multi-valued
// RDNs are joined with '+', and attribute types may be given as dotted OIDs.
func ParseDistinguishedName(s string) (pkix.RDNSequence, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty distinguished name")
	}

	var rdns []pkix.RelativeDistinguishedNameSET
	var current pkix.RelativeDistinguishedNameSET
	rest := s
	for {
		atv, sep, remaining, err := parseAttribute(rest)
		if err != nil {
			return nil, fmt.Errorf("distinguished name %q: %w", s, err)
		}
		current = append(current, atv)
		rest = remaining
		if sep == '+' {
			continue
		}
		rdns = append(rdns, current)
		current = nil
		if sep == 0 {
			break
		}
	}

	seq := make(pkix.RDNSequence, 0, len(rdns))
	for i := len(rdns) - 1; i >= 0; i-- {
		seq = append(seq, rdns[i])
	}
	return seq, nil
}

// MarshalDistinguishedName parses s and returns the DER Name encoding
// suitable for x509.Certificate.RawSubject.
func MarshalDistinguishedName(s string) ([]byte, error) {
	seq, err := ParseDistinguishedName(s)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(seq)
}

// parseAttribute consumes one type=value pair and reports the separator that
// ended it: ',' or ';' between RDNs, '+' inside an RDN, 0 at end of input.
func parseAttribute(s string) (pkix.AttributeTypeAndValue, byte, string, error) {
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return pkix.AttributeTypeAndValue{}, 0, "", fmt.Errorf("missing '=' in %q", s)
	}
	at, err := lookupAttributeType(strings.TrimSpace(s[:eq]))
	if err != nil {
		return pkix.AttributeTypeAndValue{}, 0, "", err
	}

	value, sep, rest, err := parseValue(s[eq+1:])
	if err != nil {
		return pkix.AttributeTypeAndValue{}, 0, "", err
	}
	if value == "" {
		return pkix.AttributeTypeAndValue{}, 0, "", fmt.Errorf("empty value for %s", at.oid)
	}
	if !utf8.ValidString(value) {
		return pkix.AttributeTypeAndValue{}, 0, "", fmt.Errorf("value for %s is not valid UTF-8", at.oid)
	}

	tag := at.tag
	if tag == asn1.TagPrintableString && !isPrintable(value) {
		tag = asn1.TagUTF8String
	}
	return pkix.AttributeTypeAndValue{
		Type:  at.oid,
		Value: asn1.RawValue{Tag: tag, Bytes: []byte(value)},
	}, sep, rest, nil
}

func lookupAttributeType(name string) (attributeType, error) {
	if name == "" {
		return attributeType{}, fmt.Errorf("empty attribute type")
	}
	if at, ok := distinguishedNameTypes[strings.ToUpper(name)]; ok {
		return at, nil
	}
	if name[0] >= '0' && name[0] <= '9' {
		var oid asn1.ObjectIdentifier
		for _, part := range strings.Split(name, ".") {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 {
				return attributeType{}, fmt.Errorf("invalid attribute OID %q", name)
			}
			oid = append(oid, n)
		}
		if len(oid) < 2 {
			return attributeType{}, fmt.Errorf("invalid attribute OID %q", name)
		}
		return attributeType{oid: oid, tag: asn1.TagUTF8String}, nil
	}
	return attributeType{}, fmt.Errorf("unknown attribute type %q", name)
}

// parseValue reads an attribute value up to an unescaped separator, decoding
// backslash escapes of special characters and of hex pairs.
func parseValue(s string) (string, byte, string, error) {
	s = strings.TrimLeft(s, " ")
	var b strings.Builder
	// Trailing spaces are only significant when escaped.
	keep := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ',', ';', '+':
			return b.String()[:keep], c, s[i+1:], nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, "", fmt.Errorf("dangling escape")
			}
			next := s[i+1]
			if isHexDigit(next) {
				if i+2 >= len(s) || !isHexDigit(s[i+2]) {
					return "", 0, "", fmt.Errorf("invalid hex escape")
				}
				v, _ := hex.DecodeString(s[i+1 : i+3])
				b.WriteByte(v[0])
				i += 2
			} else {
				b.WriteByte(next)
				i++
			}
			keep = b.Len()
		default:
			b.WriteByte(c)
			if c != ' ' {
				keep = b.Len()
			}
		}
	}
	return b.String()[:keep], 0, "", nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// isPrintable reports whether s fits the ASN.1 PrintableString alphabet.
func isPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte(" '()+,-./:=?", c) >= 0:
		default:
			return false
		}
	}
	return true
}
