package bili

import "fmt"

// Item is one uploaded video as observed from the platform. Values are
// immutable once observed.
type Item struct {
	BVID      string
	Title     string
	Author    string
	MID       int64
	CreatedTS int64 // unix seconds
}

func (it Item) URL() string {
	return fmt.Sprintf("https://www.bilibili.com/video/%s", it.BVID)
}

func (it Item) String() string {
	return fmt.Sprintf("Item(bvid=%s, mid=%d, created=%d)", it.BVID, it.MID, it.CreatedTS)
}
