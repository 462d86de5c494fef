package icrypto

import "github.com/jmcleod/medkey/internal/util"

const factKeyInfo = "medkey:ledger-fact:v1"

// DeriveFactKey derives the partition-specific key used to seal ledger facts
// at rest from the configured ledger master key.
func DeriveFactKey(master []byte, partition string) ([]byte, error) {
	return util.HKDF(master, []byte(partition), []byte(factKeyInfo))
}
