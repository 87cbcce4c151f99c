package proxy

import "strconv"

// mimicBase offsets collection primary keys into a negative ID range no
// real library item can occupy.
const mimicBase = 900000

// ToMimickedID maps a collection primary key onto its synthetic
// library ID.
func ToMimickedID(collectionID int64) string {
	return strconv.FormatInt(-(mimicBase + collectionID), 10)
}

// FromMimickedID recovers the collection primary key from a synthetic
// library ID. Returns false for anything outside the mimicked range.
func FromMimickedID(raw string) (int64, bool) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n >= 0 {
		return 0, false
	}
	id := -n - mimicBase
	if id <= 0 {
		return 0, false
	}
	return id, true
}
