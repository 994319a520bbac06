package service

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/chai2010/webp"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// ErrInvalidImage 上传内容无法解码为图片
var ErrInvalidImage = errors.New("无法解析图片")

// Upload 一张已解码的上传图片
type Upload struct {
	Image image.Image
	MD5   string
	Type  string // 解码器名称: png, jpeg, webp ...
	Size  int
}

// DecodeUpload 解码上传的图片并计算 MD5
func DecodeUpload(data []byte) (*Upload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: 内容为空", ErrInvalidImage)
	}
	img, typ, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// 扩展格式 (alpha, lossless) 的 webp
		wimg, werr := webp.Decode(bytes.NewReader(data))
		if werr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		img, typ = wimg, "webp"
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: 图片尺寸为空", ErrInvalidImage)
	}
	return &Upload{Image: img, MD5: BytesMD5(data), Type: typ, Size: len(data)}, nil
}

// BytesMD5 计算字节数组MD5
func BytesMD5(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}
