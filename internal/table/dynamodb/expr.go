package dynamodb

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/gezibash/arc-nosql/internal/table"
)

func marshalItem(item table.Item) (map[string]types.AttributeValue, error) {
	norm := make(map[string]any, len(item))
	for k, v := range item {
		nv, err := table.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		norm[k] = nv
	}
	return attributevalue.MarshalMap(norm)
}

func unmarshalItem(av map[string]types.AttributeValue) (table.Item, error) {
	item := make(table.Item, len(av))
	for k, v := range av {
		switch x := v.(type) {
		case *types.AttributeValueMemberS:
			item[k] = x.Value
		case *types.AttributeValueMemberN:
			n, err := strconv.ParseInt(x.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("attribute %q: non-integer number %q", k, x.Value)
			}
			item[k] = n
		case *types.AttributeValueMemberB:
			item[k] = x.Value
		default:
			return nil, fmt.Errorf("attribute %q: unsupported type %T", k, v)
		}
	}
	return item, nil
}

func conditionExpression(cond *table.Condition) (expression.Expression, error) {
	cb, err := writeCondition(cond)
	if err != nil {
		return expression.Expression{}, err
	}
	return expression.NewBuilder().WithCondition(cb).Build()
}

func writeCondition(cond *table.Condition) (expression.ConditionBuilder, error) {
	name := expression.Name(cond.Attr)
	switch cond.Kind {
	case table.AttrExists:
		return expression.AttributeExists(name), nil
	case table.AttrNotExists:
		return expression.AttributeNotExists(name), nil
	case table.AttrEquals:
		return name.Equal(expression.Value(cond.Value)), nil
	}
	return expression.ConditionBuilder{}, fmt.Errorf("unknown condition kind %d", cond.Kind)
}

// incrementExpression is SET attr = if_not_exists(attr, 0) + delta.
func incrementExpression(attr string, delta int64) (expression.Expression, error) {
	name := expression.Name(attr)
	value := expression.Plus(expression.IfNotExists(name, expression.Value(int64(0))), expression.Value(delta))
	return expression.NewBuilder().WithUpdate(expression.Set(name, value)).Build()
}

func updateExpression(set table.Item, cond *table.Condition) (expression.Expression, error) {
	if len(set) == 0 {
		return expression.Expression{}, errors.New("empty update")
	}
	var update expression.UpdateBuilder
	for k, v := range set {
		nv, err := table.Normalize(v)
		if err != nil {
			return expression.Expression{}, fmt.Errorf("attribute %q: %w", k, err)
		}
		update = update.Set(expression.Name(k), expression.Value(nv))
	}
	b := expression.NewBuilder().WithUpdate(update)
	if cond != nil {
		cb, err := writeCondition(cond)
		if err != nil {
			return expression.Expression{}, err
		}
		b = b.WithCondition(cb)
	}
	return b.Build()
}

func queryExpression(in *table.QueryInput, names keyNames) (expression.Expression, error) {
	kc := expression.Key(names.partition).Equal(expression.Value(in.KeyCondition.Partition))
	if sc := in.KeyCondition.Sort; sc != nil {
		if names.sort == "" {
			return expression.Expression{}, fmt.Errorf("%s has no sort key", in.Table)
		}
		sk, err := sortKeyCondition(expression.Key(names.sort), sc)
		if err != nil {
			return expression.Expression{}, err
		}
		kc = expression.KeyAnd(kc, sk)
	}
	b := expression.NewBuilder().WithKeyCondition(kc)
	if len(in.Filter) > 0 {
		fc, err := filterCondition(in.Filter)
		if err != nil {
			return expression.Expression{}, err
		}
		b = b.WithFilter(fc)
	}
	return b.Build()
}

func sortKeyCondition(key expression.KeyBuilder, sc *table.SortCondition) (expression.KeyConditionBuilder, error) {
	v := expression.Value(sc.Value)
	switch sc.Op {
	case table.OpEq:
		return key.Equal(v), nil
	case table.OpLT:
		return key.LessThan(v), nil
	case table.OpLTE:
		return key.LessThanEqual(v), nil
	case table.OpGT:
		return key.GreaterThan(v), nil
	case table.OpGTE:
		return key.GreaterThanEqual(v), nil
	case table.OpBetween:
		return key.Between(v, expression.Value(sc.Upper)), nil
	}
	return expression.KeyConditionBuilder{}, fmt.Errorf("unsupported sort operator %s", sc.Op)
}

// filterCondition renders an OR of AND clauses.
func filterCondition(f table.Filter) (expression.ConditionBuilder, error) {
	clauses := make([]expression.ConditionBuilder, 0, len(f))
	for _, clause := range f {
		conds := make([]expression.ConditionBuilder, 0, len(clause))
		for _, c := range clause {
			cb, err := comparison(c)
			if err != nil {
				return expression.ConditionBuilder{}, err
			}
			conds = append(conds, cb)
		}
		if len(conds) == 0 {
			return expression.ConditionBuilder{}, errors.New("empty filter clause")
		}
		clauses = append(clauses, fold(conds, expression.And))
	}
	return fold(clauses, expression.Or), nil
}

func fold(conds []expression.ConditionBuilder, join func(l, r expression.ConditionBuilder, rest ...expression.ConditionBuilder) expression.ConditionBuilder) expression.ConditionBuilder {
	if len(conds) == 1 {
		return conds[0]
	}
	return join(conds[0], conds[1], conds[2:]...)
}

func comparison(c table.Cond) (expression.ConditionBuilder, error) {
	name := expression.Name(c.Attr)
	v := expression.Value(c.Value)
	switch c.Op {
	case table.OpEq:
		return name.Equal(v), nil
	case table.OpLT:
		return name.LessThan(v), nil
	case table.OpLTE:
		return name.LessThanEqual(v), nil
	case table.OpGT:
		return name.GreaterThan(v), nil
	case table.OpGTE:
		return name.GreaterThanEqual(v), nil
	}
	return expression.ConditionBuilder{}, fmt.Errorf("unsupported filter operator %s", c.Op)
}
