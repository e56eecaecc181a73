package ledger

import "fmt"

// DefaultKeyPrefix namespaces every ledger key so one Redis instance
// can host multiple deployments side by side.
const DefaultKeyPrefix = "eagleeye"

// keySet builds the ledger's key layout under a prefix:
//
//	<p>:ledger:seq            sequence counter
//	<p>:ledger:tip            chain tip hash
//	<p>:ledger:entry:<id>     entry JSON
//	<p>:ledger:ids            set of all entry IDs
//	<p>:ledger:seqidx:<n>     sequence number to entry ID
//	<p>:ledger:slotidx:<slot> set of entry IDs for a slot
//	<p>:ledger:dateidx:<date> set of entry IDs for a date
//	<p>:verify:latest         last verification report JSON
type keySet struct {
	prefix string
}

func newKeySet(prefix string) keySet {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keySet{prefix: prefix}
}

func (k keySet) seq() string { return k.prefix + ":ledger:seq" }

func (k keySet) tip() string { return k.prefix + ":ledger:tip" }

func (k keySet) ids() string { return k.prefix + ":ledger:ids" }

func (k keySet) entry(id string) string {
	return fmt.Sprintf("%s:ledger:entry:%s", k.prefix, id)
}
func (k keySet) seqIndex(n int64) string {
	return fmt.Sprintf("%s:ledger:seqidx:%d", k.prefix, n)
}

func (k keySet) slotIndex(slotID string) string {
	return fmt.Sprintf("%s:ledger:slotidx:%s", k.prefix, slotID)
}

func (k keySet) dateIndex(date string) string {
	return fmt.Sprintf("%s:ledger:dateidx:%s", k.prefix, date)
}

func (k keySet) verifyLatest() string { return k.prefix + ":verify:latest" }
