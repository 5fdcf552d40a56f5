package binder

import (
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/mold/v4"
	"github.com/go-playground/mold/v4/modifiers"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/schema"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/segmentio/encoding/json"
)

const (
	allowUnknownFieldsKey = "binder_allow_unknown_fields"
	allowEmptyBodyKey     = "binder_allow_empty_body"
	formFilesField        = "FormFiles"
)

var unknownFieldsRE = regexp.MustCompile(`^json: unknown field "(.*)"$`)

// AllowUnknownFields makes the next Bind on c ignore fields and query keys
// the target struct doesn't declare.
func AllowUnknownFields(c echo.Context) {
	c.Set(allowUnknownFieldsKey, true)
}

// AllowEmptyBody lets a non-GET request without a body through Bind.
func AllowEmptyBody(c echo.Context) {
	c.Set(allowEmptyBodyKey, true)
}

func flag(c echo.Context, key string) bool {
	v, _ := c.Get(key).(bool)
	return v
}

// Binder implements echo.Binder. It decodes the request into a struct, runs
// mold over it, fills defaults, and validates the result.
type Binder struct {
	queryDecoder        *schema.Decoder
	lenientQueryDecoder *schema.Decoder
	formDecoder         *schema.Decoder
	conform             *mold.Transformer
	validate            *validator.Validate
}

func New() (*Binder, error) {
	queryDecoder := schema.NewDecoder()
	queryDecoder.SetAliasTag("query")
	lenientQueryDecoder := schema.NewDecoder()
	lenientQueryDecoder.SetAliasTag("query")
	lenientQueryDecoder.IgnoreUnknownKeys(true)
	formDecoder := schema.NewDecoder()
	formDecoder.SetAliasTag("form")

	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation(urlTag, urlValidator); err != nil {
		return nil, errors.WithStack(err)
	}

	return &Binder{
		queryDecoder:        queryDecoder,
		lenientQueryDecoder: lenientQueryDecoder,
		formDecoder:         formDecoder,
		conform:             modifiers.New(),
		validate:            validate,
	}, nil
}

func (b *Binder) Bind(i interface{}, c echo.Context) error {
	req := c.Request()

	if err := b.decode(i, c); err != nil {
		return err
	}

	if err := b.conform.Struct(req.Context(), i); err != nil {
		return errors.WithStack(err)
	}
	if err := defaults.Set(i); err != nil {
		return errors.WithStack(err)
	}

	if err := b.validate.Struct(i); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) && len(errs) > 0 {
			return errcodes.ValidationError(formatValidationError(errs[0]))
		}
		return errors.WithStack(err)
	}
	return nil
}

func (b *Binder) decode(i interface{}, c echo.Context) error {
	req := c.Request()

	if req.ContentLength == 0 {
		if req.Method == http.MethodGet || req.Method == http.MethodDelete {
			decoder := b.queryDecoder
			if flag(c, allowUnknownFieldsKey) {
				decoder = b.lenientQueryDecoder
			}
			return b.decodeValues(i, c.QueryParams(), decoder)
		}
		if flag(c, allowEmptyBodyKey) {
			return nil
		}
		return errcodes.EmptyRequestBody()
	}

	ctype := req.Header.Get(echo.HeaderContentType)
	switch {
	case strings.HasPrefix(ctype, echo.MIMEApplicationJSON):
		return b.decodeJSON(i, c)
	case strings.HasPrefix(ctype, echo.MIMEApplicationForm), strings.HasPrefix(ctype, echo.MIMEMultipartForm):
		return b.decodeForm(i, c)
	default:
		return errcodes.UnsupportedMediaType()
	}
}

func (b *Binder) decodeJSON(i interface{}, c echo.Context) error {
	req := c.Request()
	defer req.Body.Close()

	dec := json.NewDecoder(req.Body)
	if !flag(c, allowUnknownFieldsKey) {
		dec.DisallowUnknownFields()
	}

	err := dec.Decode(i)
	if err == nil {
		return nil
	}
	if httpErr := bodyLimitError(err); httpErr != nil {
		return httpErr
	}
	if matches := unknownFieldsRE.FindStringSubmatch(err.Error()); len(matches) > 1 {
		return errcodes.UnknownParameter(matches[1])
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return errcodes.ValidationTypeError(formatUnmarshalTypeError(typeErr))
	}

	logger.FromEchoContext(c).Err(err).Warn("unknown json decode error")
	return errcodes.MalformedPayload()
}

func (b *Binder) decodeForm(i interface{}, c echo.Context) error {
	params, err := c.FormParams()
	if err != nil {
		if httpErr := bodyLimitError(err); httpErr != nil {
			return httpErr
		}
		return errcodes.MalformedPayload()
	}
	if err := b.decodeValues(i, params, b.formDecoder); err != nil {
		return err
	}

	if !strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return nil
	}
	form, err := c.MultipartForm()
	if err != nil {
		return errors.WithStack(err)
	}

	// Only the first file per key is kept, and only in a FormFiles map.
	field := reflect.ValueOf(i).Elem().FieldByName(formFilesField)
	if !field.IsValid() || !field.CanSet() {
		return nil
	}
	for key, headers := range form.File {
		if len(headers) == 0 {
			continue
		}
		if field.IsNil() {
			field.Set(reflect.MakeMap(field.Type()))
		}
		field.SetMapIndex(reflect.ValueOf(key), reflect.ValueOf(headers[0]))
	}
	return nil
}

func (b *Binder) decodeValues(i interface{}, values url.Values, decoder *schema.Decoder) error {
	err := decoder.Decode(i, values)
	if err == nil {
		return nil
	}

	var errs schema.MultiError
	if !errors.As(err, &errs) {
		return errors.WithStack(err)
	}
	for _, e := range errs {
		switch e := e.(type) {
		case schema.ConversionError:
			return errcodes.ValidationTypeError(formatSchemaConversionError(e))
		case schema.UnknownKeyError:
			return errcodes.UnknownParameter(e.Key)
		}
	}
	return errors.WithStack(err)
}

// bodyLimitError returns the 413 raised by the body limit middleware when it
// cut the read short.
func bodyLimitError(err error) *echo.HTTPError {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge {
		return httpErr
	}
	return nil
}
