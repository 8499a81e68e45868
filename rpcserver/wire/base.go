package wire

import "github.com/sat20-labs/atomicals-market/common"

type BaseResp struct {
	Error bool   `json:"error" example:"false"`
	Code  int    `json:"code" example:"0"`
	Msg   string `json:"msg" example:"ok"`
}

// Resp is the envelope every endpoint answers with, always with HTTP 200.
type Resp struct {
	Data interface{} `json:"data"`
	BaseResp
}

type ListResp struct {
	Start int64  `json:"start" example:"0"`
	Total uint64 `json:"total" example:"9992"`
}

func OK(data interface{}) *Resp {
	return &Resp{
		Data:     data,
		BaseResp: BaseResp{Code: common.CodeOK, Msg: "ok"},
	}
}

// Fail builds the envelope for err. A non-nil data is still returned to the
// caller, as with a settled trade whose broadcast is delayed.
func Fail(data interface{}, err error) *Resp {
	return &Resp{
		Data: data,
		BaseResp: BaseResp{
			Error: true,
			Code:  common.CodeOf(err),
			Msg:   err.Error(),
		},
	}
}
