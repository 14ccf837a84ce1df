package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// 错误中的字段名使用 json tag
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

var messages = map[string]string{
	"required": "This field can't be empty",
	"email":    "Please enter a valid email",
	"min":      "too short",
	"max":      "too long",
	"oneof":    "unsupported value",
}

// check 校验命令结构体，并把 validator 的错误转换为 ValidationError。
func check(cmd any) error {
	err := validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "invalid"
		}
		fields[fe.Field()] = msg
	}
	return &ValidationError{Fields: fields}
}
