package icrypto

import (
	"encoding/binary"
)

const (
	aadRecord      = "RECORD"
	aadKeyWrap     = "KEYWRAP"
	aadPrivateKey  = "PRIVKEY"
	aadLedgerFact  = "LEDGERFACT"
	aadBlobPayload = "BLOB"
)

// AADRecordPayload binds a record payload ciphertext to its owner and id.
func AADRecordPayload(patient string, recordID uint64) []byte {
	return buildAAD(aadRecord, patient, recordID)
}

// AADKeyWrap binds a wrapped key to the recipient public key it was sealed for.
func AADKeyWrap(recipientPub []byte, ver int) []byte {
	return buildAAD(aadKeyWrap, recipientPub, ver)
}

func AADPrivateKeyFile(identity string, ver int) []byte {
	return buildAAD(aadPrivateKey, identity, ver)
}

func AADLedgerFact(partition string, seq uint64) []byte {
	return buildAAD(aadLedgerFact, partition, seq)
}

func AADBlob(pointer string) []byte {
	return buildAAD(aadBlobPayload, pointer)
}

// JoinAAD length-prefixes each part so that no two distinct part lists
// produce the same associated data.
func JoinAAD(parts ...[]byte) []byte {
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}
	args := make([]any, len(parts))
	for i, p := range parts {
		args[i] = p
	}
	return buildAAD(args...)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
