package sparkplugb

import "google.golang.org/protobuf/encoding/protowire"

// MetaData field numbers from the Sparkplug B Payload.MetaData message.
const (
	metaFieldIsMultiPart = protowire.Number(1)
	metaFieldContentType = protowire.Number(2)
	metaFieldSize        = protowire.Number(3)
	metaFieldSeq         = protowire.Number(4)
	metaFieldFileName    = protowire.Number(5)
	metaFieldFileType    = protowire.Number(6)
	metaFieldMD5         = protowire.Number(7)
	metaFieldDescription = protowire.Number(8)
)

// MetaData is the optional per-metric descriptor, used primarily for chunked
// uploads of BYTES/FILE payloads.
type MetaData struct {
	// Indicates if the metric represents one of multiple parts.
	IsMultiPart bool

	// A content type associated with the metric.
	ContentType string

	// The size of the metric value, in bytes.
	Size uint64

	// The 0-indexed sequence number of this part of a multi-part metric.
	Seq uint64

	// A file name associated with the metric.
	FileName string

	// A file type associated with the metric.
	FileType string

	// A MD5 sum associated with the metric value or file.
	MD5 string

	// A description associated with the metric.
	Description string
}

func (md *MetaData) encode(b []byte) []byte {
	b = appendBoolField(b, metaFieldIsMultiPart, md.IsMultiPart)
	b = appendStringField(b, metaFieldContentType, md.ContentType)
	b = appendVarintField(b, metaFieldSize, md.Size)
	b = appendVarintField(b, metaFieldSeq, md.Seq)
	b = appendStringField(b, metaFieldFileName, md.FileName)
	b = appendStringField(b, metaFieldFileType, md.FileType)
	b = appendStringField(b, metaFieldMD5, md.MD5)
	b = appendStringField(b, metaFieldDescription, md.Description)
	return b
}

func decodeMetaData(raw []byte, base int) (*MetaData, error) {
	md := &MetaData{}
	dec := &wireDecoder{buf: raw, base: base}
	for !dec.done() {
		num, typ, err := dec.readTag()
		if err != nil {
			return nil, err
		}
		switch num {
		case metaFieldIsMultiPart:
			v, err := dec.readVarint(num)
			if err != nil {
				return nil, err
			}
			md.IsMultiPart = protowire.DecodeBool(v)
		case metaFieldContentType:
			if md.ContentType, err = dec.readString(num); err != nil {
				return nil, err
			}
		case metaFieldSize:
			if md.Size, err = dec.readVarint(num); err != nil {
				return nil, err
			}
		case metaFieldSeq:
			if md.Seq, err = dec.readVarint(num); err != nil {
				return nil, err
			}
		case metaFieldFileName:
			if md.FileName, err = dec.readString(num); err != nil {
				return nil, err
			}
		case metaFieldFileType:
			if md.FileType, err = dec.readString(num); err != nil {
				return nil, err
			}
		case metaFieldMD5:
			if md.MD5, err = dec.readString(num); err != nil {
				return nil, err
			}
		case metaFieldDescription:
			if md.Description, err = dec.readString(num); err != nil {
				return nil, err
			}
		default:
			if err := dec.skip(num, typ); err != nil {
				return nil, err
			}
		}
	}
	return md, nil
}
