package internal

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	zhTranslations "github.com/go-playground/validator/v10/translations/zh"
	"github.com/labstack/echo/v4"
)

// CustomValidator 挂在 echo 上的请求参数校验器，错误消息输出中文
type CustomValidator struct {
	Validator *validator.Validate
	trans     ut.Translator
}

// TransInit 注册中文翻译器，必须在挂载到 echo 之前调用
func (v *CustomValidator) TransInit() error {
	zhLocale := zh.New()
	uni := ut.New(zhLocale, zhLocale)
	trans, ok := uni.GetTranslator("zh")
	if !ok {
		return errors.New("未找到 zh 翻译器")
	}
	v.trans = trans
	return zhTranslations.RegisterDefaultTranslations(v.Validator, trans)
}

func (v *CustomValidator) Validate(i interface{}) error {
	err := v.Validator.Struct(i)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return echo.NewHTTPError(http.StatusBadRequest, "请求参数错误")
	}

	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && v.trans != nil {
		messages := make([]string, 0, len(fieldErrors))
		for _, fe := range fieldErrors {
			messages = append(messages, fe.Translate(v.trans))
		}
		return echo.NewHTTPError(http.StatusBadRequest, strings.Join(messages, "; "))
	}

	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
