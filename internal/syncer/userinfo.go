package syncer

import (
	"math"
	"strconv"
	"strings"
	"time"

	"veactl/internal/model"
)

const userinfoHeader = "Subscription-Userinfo"

// userinfo is the usage hint some subscription providers attach to a
// response: "upload=1; download=2; total=10; expire=1700000000".
type userinfo struct {
	upload, download, total, expire *int64
}

func (u userinfo) empty() bool {
	return u.upload == nil && u.download == nil && u.total == nil && u.expire == nil
}

// parseUserinfo accepts ";" or "," separators. Unknown keys and values that
// are not non-negative int64 are skipped.
func parseUserinfo(value string) userinfo {
	var u userinfo
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == ';' || r == ',' }) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil || n > math.MaxInt64 {
			continue
		}
		i := int64(n)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "upload":
			u.upload = &i
		case "download":
			u.download = &i
		case "total":
			u.total = &i
		case "expire":
			u.expire = &i
		}
	}
	return u
}

// apply copies the present fields onto p. expire=0 means "no expiry".
func (u userinfo) apply(p *model.ConfigProfile) {
	if u.upload != nil {
		p.UpstreamBytes = *u.upload
	}
	if u.download != nil {
		p.DownstreamBytes = *u.download
	}
	if u.total != nil {
		t := *u.total
		p.TotalQuota = &t
	}
	if u.expire != nil {
		if *u.expire == 0 {
			p.ExpireAt = nil
		} else {
			t := time.Unix(*u.expire, 0).UTC()
			p.ExpireAt = &t
		}
	}
}
