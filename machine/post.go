package machine

//
// Post --
//
// The port 0x80 diagnostic register. Firmware writes a
// progress code before each initialization step; the last
// one written is the first clue when a guest wedges during
// boot. A plain backing register is all the behavior there
// is.

const (
	PostPort = 0x80
)

type Post struct {
	PioDevice

	Code Register `json:"code"`
}

func NewPost(info *DeviceInfo) (Device, error) {

	post := new(Post)
	post.PioDevice.Offset = 0
	post.PioDevice.IoMap = IoMap{
		MemoryRegion{PostPort, 1}: &post.Code,
	}

	return post, post.init(info)
}

// LastCode returns the most recent progress code.
func (post *Post) LastCode() uint8 {
	return uint8(post.Code.Value)
}
