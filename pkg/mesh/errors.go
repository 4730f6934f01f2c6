package mesh

import "errors"

// ErrNotFound 表示请求的文件或文档在本节点上不存在。
// 越界路径也映射到这个错误，外部看不出二者差别。
var ErrNotFound = errors.New("not found")

// ErrBadAnnounce 表示 announce 请求缺少或携带了无效的 base_url。
var ErrBadAnnounce = errors.New("invalid announce payload")
