package mailparse

import (
	"io"
	"strings"

	"github.com/emersion/go-message"
	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

func init() {
	message.CharsetReader = charsetReader
}

// charsetReader 把任意字符集转换为 UTF-8，无法识别的字符集原样返回字节
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	switch label {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return input, nil
	}

	if r, err := htmlcharset.NewReaderLabel(label, input); err == nil {
		return r, nil
	}
	if enc := legacyEncoding(label); enc != nil {
		return transform.NewReader(input, enc.NewDecoder()), nil
	}
	return input, nil
}

// legacyEncoding 兜底处理 WHATWG 标签表之外的常见别名（多见于 Windows 客户端）
func legacyEncoding(label string) encoding.Encoding {
	switch label {
	case "gb2312", "gbk", "cp936", "ms936", "windows-936", "x-gbk":
		return simplifiedchinese.GBK
	case "gb18030":
		return simplifiedchinese.GB18030
	case "big5", "cp950", "ms950", "big5-hkscs":
		return traditionalchinese.Big5
	case "iso-8859-1", "latin1", "latin-1", "l1":
		return charmap.ISO8859_1
	case "windows-1252", "cp1252":
		return charmap.Windows1252
	case "shift_jis", "shift-jis", "sjis", "cp932", "ms932", "windows-31j":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "euc-kr", "ks_c_5601-1987", "cp949", "uhc":
		return korean.EUCKR
	default:
		return nil
	}
}
